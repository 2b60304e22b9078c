package main

import (
	"fmt"
	"time"

	"github.com/tinyrange/vbridge/internal/devices/virtio"
	"github.com/tinyrange/vbridge/internal/host"
)

// runner executes scenario steps against a live driver, tracking the host
// ends of guest-opened channels and the host resources the guest received.
type runner struct {
	driver      *virtio.BridgeDriver
	provider    host.Provider
	connections chan host.Handle

	channels map[uint32]host.Channel
	received []uint32
}

func newRunner(driver *virtio.BridgeDriver, provider host.Provider, connections chan host.Handle) *runner {
	return &runner{
		driver:      driver,
		provider:    provider,
		connections: connections,
		channels:    make(map[uint32]host.Channel),
	}
}

// step runs one scenario step and returns a one-line description of what
// happened.
func (r *runner) step(s Step) (string, error) {
	switch s.Op {
	case "new":
		info, err := r.driver.CreateMemory(s.ID, s.Size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("memory id=%#x base=%#x size=%d", info.ID, info.Base, info.Size), nil

	case "new-ctx":
		info, err := r.driver.CreateChannel(s.ID)
		if err != nil {
			return "", err
		}
		peer, err := r.takeConnection()
		if err != nil {
			return "", err
		}
		r.channels[info.ID] = peer
		return fmt.Sprintf("channel id=%#x connected", info.ID), nil

	case "new-pipe":
		info, err := r.driver.CreatePipe(s.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pipe id=%#x", info.ID), nil

	case "new-dmabuf":
		info, err := r.driver.CreateDmabuf(s.ID, s.Size)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dmabuf id=%#x base=%#x size=%d", info.ID, info.Base, info.Size), nil

	case "close":
		if err := r.driver.CloseResource(s.ID); err != nil {
			return "", err
		}
		if peer, ok := r.channels[s.ID]; ok {
			peer.Close()
			delete(r.channels, s.ID)
		}
		return fmt.Sprintf("closed id=%#x", s.ID), nil

	case "close-received":
		for _, id := range r.received {
			if err := r.driver.CloseResource(id); err != nil {
				return "", fmt.Errorf("close received id=%#x: %w", id, err)
			}
		}
		n := len(r.received)
		r.received = nil
		return fmt.Sprintf("closed %d received resources", n), nil

	case "send":
		if err := r.driver.Send(s.ID, s.Attach, []byte(s.Payload)); err != nil {
			return "", err
		}
		peer, ok := r.channels[s.ID]
		if !ok {
			return fmt.Sprintf("sent %d bytes", len(s.Payload)), nil
		}
		msg, err := peer.Recv()
		if err != nil {
			return "", fmt.Errorf("host recv: %w", err)
		}
		host.CloseHandles(msg.Handles)
		return fmt.Sprintf("sent %d bytes, host received %q with %d handles",
			len(s.Payload), string(msg.Data), len(msg.Handles)), nil

	case "host-send":
		peer, ok := r.channels[s.ID]
		if !ok {
			return "", fmt.Errorf("no host end for channel %#x", s.ID)
		}
		var handles []host.Handle
		if s.WithMemory != 0 {
			mem, err := r.provider.NewSharedMemory(uint64(s.WithMemory))
			if err != nil {
				return "", fmt.Errorf("new shared memory: %w", err)
			}
			handles = append(handles, mem)
		}
		if err := peer.Send([]byte(s.Payload), handles); err != nil {
			host.CloseHandles(handles)
			return "", fmt.Errorf("host send: %w", err)
		}
		return fmt.Sprintf("host sent %d bytes with %d handles", len(s.Payload), len(handles)), nil

	case "host-close":
		peer, ok := r.channels[s.ID]
		if !ok {
			return "", fmt.Errorf("no host end for channel %#x", s.ID)
		}
		peer.Close()
		delete(r.channels, s.ID)
		return fmt.Sprintf("host end of %#x closed", s.ID), nil

	case "recv":
		msg, err := r.waitInbound()
		if err != nil {
			return "", err
		}
		if msg.SourceID != s.ID {
			return "", fmt.Errorf("delivery from %#x, want %#x", msg.SourceID, s.ID)
		}
		var desc string
		if msg.Hangup {
			if s.Expect != "hangup" {
				return "", fmt.Errorf("peer of %#x hung up, want a message", s.ID)
			}
			desc = fmt.Sprintf("hangup from %#x", msg.SourceID)
		} else {
			if s.Expect != "message" {
				return "", fmt.Errorf("message from %#x, want a hangup", s.ID)
			}
			desc = fmt.Sprintf("received %q", string(msg.Payload))
			for _, res := range msg.Resources {
				r.received = append(r.received, res.ID)
				desc += fmt.Sprintf(", resource id=%#x base=%#x size=%d", res.ID, res.Base, res.Size)
			}
		}
		// Keep a buffer posted for the next delivery.
		if err := r.driver.PostReceiveBuffer(); err != nil {
			return "", fmt.Errorf("repost receive buffer: %w", err)
		}
		return desc, nil

	case "sync-dmabuf":
		if err := r.driver.SyncDmabuf(s.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("synced id=%#x", s.ID), nil
	}
	return "", fmt.Errorf("unknown op %q", s.Op)
}

func (r *runner) takeConnection() (host.Channel, error) {
	select {
	case h := <-r.connections:
		ch, ok := h.(host.Channel)
		if !ok {
			h.Close()
			return nil, fmt.Errorf("connection handle is %T, want a channel", h)
		}
		return ch, nil
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("no connection arrived")
	}
}

// waitInbound polls for the next host-to-guest delivery. Deliveries ride a
// watcher goroutine, so the first poll after a host send can come up empty.
func (r *runner) waitInbound() (*virtio.InboundMessage, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, err := r.driver.PollInbound()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no delivery arrived")
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *runner) close() {
	for id, peer := range r.channels {
		peer.Close()
		delete(r.channels, id)
	}
}
