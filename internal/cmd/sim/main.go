// Quick bridge checks on the in-process machine. Runs the resource,
// messaging, hangup, and snapshot paths end to end and prints PASS or
// FAIL per check. For scripted runs use cmd/vbridge-sim instead.
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/vbridge/internal/devices/virtio"
	"github.com/tinyrange/vbridge/internal/host"
	"github.com/tinyrange/vbridge/internal/hv"
	"github.com/tinyrange/vbridge/internal/hv/sim"
)

func main() {
	var (
		archName = flag.String("arch", "x86_64", "Architecture to simulate (x86_64 or arm64)")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	arch := hv.ArchitectureX86_64
	if *archName == "arm64" {
		arch = hv.ArchitectureARM64
	}

	if err := runChecks(arch, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Bridge check failed: %v\n", err)
		os.Exit(1)
	}
}

func runChecks(arch hv.CpuArchitecture, verbose bool) error {
	fmt.Printf("Simulating %s\n", arch)

	checks := []struct {
		name string
		fn   func(hv.CpuArchitecture, bool) error
	}{
		{"resource lifecycle", checkResourceLifecycle},
		{"message round trip", checkMessageRoundTrip},
		{"attachment transfer", checkAttachmentTransfer},
		{"hangup delivery", checkHangupDelivery},
		{"snapshot", checkSnapshot},
	}

	failed := false
	for _, c := range checks {
		fmt.Printf("\n=== %s ===\n", c.name)
		if err := c.fn(arch, verbose); err != nil {
			fmt.Printf("FAIL: %v\n", err)
			failed = true
			continue
		}
		fmt.Printf("PASS\n")
	}

	fmt.Println()
	if failed {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("All bridge checks PASSED")
	return nil
}

type harness struct {
	vm          *sim.VM
	bridge      *virtio.Bridge
	driver      *virtio.BridgeDriver
	provider    host.Provider
	connections chan host.Handle
}

func newMachine(arch hv.CpuArchitecture) (*harness, error) {
	vm, err := sim.New(sim.Config{Architecture: arch, MemorySize: 32 << 20})
	if err != nil {
		return nil, err
	}

	provider := host.NewMemProvider()
	connections := make(chan host.Handle, 4)

	dev, err := vm.AddDeviceFromTemplate(virtio.NewBridgeTemplate(provider, func(h host.Handle) {
		connections <- h
	}))
	if err != nil {
		vm.Close()
		return nil, err
	}
	bridge, ok := dev.(*virtio.Bridge)
	if !ok {
		vm.Close()
		return nil, fmt.Errorf("template produced a %T, want a bridge", dev)
	}

	return &harness{
		vm:          vm,
		bridge:      bridge,
		provider:    provider,
		connections: connections,
	}, nil
}

// start brings up the guest side. Restored machines start the same way:
// the status reset clears the transport but leaves bridge state alone.
func (h *harness) start() error {
	driver := virtio.NewBridgeDriver(h.vm, h.bridge, 0x100000, 0x100000)
	if err := driver.Probe(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if err := driver.Initialize(4096); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	h.driver = driver
	return nil
}

func newHarness(arch hv.CpuArchitecture) (*harness, error) {
	h, err := newMachine(arch)
	if err != nil {
		return nil, err
	}
	if err := h.start(); err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *harness) close() {
	h.vm.Close()
}

func (h *harness) takeChannel() (host.Channel, error) {
	select {
	case handle := <-h.connections:
		ch, ok := handle.(host.Channel)
		if !ok {
			handle.Close()
			return nil, fmt.Errorf("connection handle is %T, want a channel", handle)
		}
		return ch, nil
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("no connection arrived")
	}
}

// waitInbound polls until the watcher goroutine lands the next delivery.
func (h *harness) waitInbound() (*virtio.InboundMessage, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, err := h.driver.PollInbound()
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

func checkResourceLifecycle(arch hv.CpuArchitecture, verbose bool) error {
	h, err := newHarness(arch)
	if err != nil {
		return err
	}
	defer h.close()

	info, err := h.driver.CreateMemory(1, 4096)
	if err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	if verbose {
		fmt.Printf("  memory id=%#x base=%#x size=%d\n", info.ID, info.Base, info.Size)
	}

	if _, err := h.driver.CreateMemory(1, 4096); err == nil {
		return fmt.Errorf("duplicate id accepted")
	}
	if _, err := h.driver.CreateMemory(0x80000001, 4096); err == nil {
		return fmt.Errorf("host-owned id accepted")
	}
	if _, err := h.driver.CreateDmabuf(3, 4096); err == nil {
		return fmt.Errorf("dma-buf accepted without host support")
	}

	if _, err := h.driver.CreatePipe(2); err != nil {
		return fmt.Errorf("create pipe: %w", err)
	}
	if err := h.driver.SyncDmabuf(1); err != nil {
		return fmt.Errorf("sync live resource: %w", err)
	}

	if err := h.driver.CloseResource(1); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := h.driver.CloseResource(1); err == nil {
		return fmt.Errorf("double close accepted")
	}
	if err := h.driver.CloseResource(2); err != nil {
		return fmt.Errorf("close pipe: %w", err)
	}

	return nil
}

func checkMessageRoundTrip(arch hv.CpuArchitecture, verbose bool) error {
	h, err := newHarness(arch)
	if err != nil {
		return err
	}
	defer h.close()

	if _, err := h.driver.CreateChannel(1); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	peer, err := h.takeChannel()
	if err != nil {
		return err
	}
	defer peer.Close()

	if err := h.driver.PostReceiveBuffer(); err != nil {
		return fmt.Errorf("post receive buffer: %w", err)
	}
	if err := peer.Send([]byte("ping"), nil); err != nil {
		return fmt.Errorf("host send: %w", err)
	}
	msg, err := h.waitInbound()
	if err != nil {
		return err
	}
	if msg.Hangup || string(msg.Payload) != "ping" {
		return fmt.Errorf("delivery = %+v, want %q", msg, "ping")
	}
	if verbose {
		fmt.Printf("  guest received %q from %#x\n", msg.Payload, msg.SourceID)
	}

	if err := h.driver.Send(1, nil, []byte("pong")); err != nil {
		return fmt.Errorf("guest send: %w", err)
	}
	reply, err := peer.Recv()
	if err != nil {
		return fmt.Errorf("host recv: %w", err)
	}
	if string(reply.Data) != "pong" {
		return fmt.Errorf("host received %q, want %q", reply.Data, "pong")
	}
	if verbose {
		fmt.Printf("  host received %q\n", reply.Data)
	}

	return h.driver.CloseResource(1)
}

func checkAttachmentTransfer(arch hv.CpuArchitecture, verbose bool) error {
	h, err := newHarness(arch)
	if err != nil {
		return err
	}
	defer h.close()

	if _, err := h.driver.CreateChannel(1); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	peer, err := h.takeChannel()
	if err != nil {
		return err
	}
	defer peer.Close()

	if _, err := h.driver.CreateMemory(2, 4096); err != nil {
		return fmt.Errorf("create memory: %w", err)
	}
	if err := h.driver.Send(1, []uint32{2}, []byte("take")); err != nil {
		return fmt.Errorf("guest send: %w", err)
	}
	msg, err := peer.Recv()
	if err != nil {
		return fmt.Errorf("host recv: %w", err)
	}
	if len(msg.Handles) != 1 {
		host.CloseHandles(msg.Handles)
		return fmt.Errorf("host received %d handles, want 1", len(msg.Handles))
	}
	if kind, err := msg.Handles[0].Kind(); err != nil || kind != host.KindMemory {
		host.CloseHandles(msg.Handles)
		return fmt.Errorf("attached handle kind = %v, %v, want memory", kind, err)
	}
	host.CloseHandles(msg.Handles)
	if verbose {
		fmt.Printf("  guest memory arrived on the host side\n")
	}

	mem, err := h.provider.NewSharedMemory(8192)
	if err != nil {
		return fmt.Errorf("new shared memory: %w", err)
	}
	if err := h.driver.PostReceiveBuffer(); err != nil {
		return fmt.Errorf("post receive buffer: %w", err)
	}
	if err := peer.Send([]byte("blob"), []host.Handle{mem}); err != nil {
		mem.Close()
		return fmt.Errorf("host send: %w", err)
	}
	inbound, err := h.waitInbound()
	if err != nil {
		return err
	}
	if len(inbound.Resources) != 1 {
		return fmt.Errorf("delivery carries %d resources, want 1", len(inbound.Resources))
	}
	res := inbound.Resources[0]
	if res.ID&0x80000000 == 0 {
		return fmt.Errorf("minted id %#x is not host owned", res.ID)
	}
	if verbose {
		fmt.Printf("  host memory mapped at %#x, %d bytes\n", res.Base, res.Size)
	}
	if err := h.driver.CloseResource(res.ID); err != nil {
		return fmt.Errorf("close received resource: %w", err)
	}

	return h.driver.CloseResource(1)
}

func checkHangupDelivery(arch hv.CpuArchitecture, verbose bool) error {
	h, err := newHarness(arch)
	if err != nil {
		return err
	}
	defer h.close()

	if _, err := h.driver.CreateChannel(4); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	peer, err := h.takeChannel()
	if err != nil {
		return err
	}

	if err := h.driver.PostReceiveBuffer(); err != nil {
		return fmt.Errorf("post receive buffer: %w", err)
	}
	peer.Close()

	msg, err := h.waitInbound()
	if err != nil {
		return err
	}
	if !msg.Hangup || msg.SourceID != 4 {
		return fmt.Errorf("delivery = %+v, want hangup from 4", msg)
	}
	if verbose {
		fmt.Printf("  hangup delivered for %#x\n", msg.SourceID)
	}

	return h.driver.CloseResource(4)
}

func checkSnapshot(arch hv.CpuArchitecture, verbose bool) error {
	h, err := newHarness(arch)
	if err != nil {
		return err
	}

	// A short session first, so the snapshot captures non-trivial state.
	if _, err := h.driver.CreateMemory(1, 4096); err != nil {
		h.close()
		return fmt.Errorf("create memory: %w", err)
	}
	if err := h.driver.CloseResource(1); err != nil {
		h.close()
		return fmt.Errorf("close: %w", err)
	}

	snap, err := h.bridge.CaptureSnapshot()
	if err != nil {
		h.close()
		return fmt.Errorf("capture: %w", err)
	}
	h.close()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	var decoded hv.DeviceSnapshot
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if verbose {
		fmt.Printf("  snapshot is %d bytes on the wire\n", buf.Len())
	}

	restored, err := newMachine(arch)
	if err != nil {
		return err
	}
	defer restored.close()

	if err := restored.bridge.RestoreSnapshot(decoded); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := restored.start(); err != nil {
		return err
	}

	// The restored device must still run traffic.
	info, err := restored.driver.CreateMemory(7, 4096)
	if err != nil {
		return fmt.Errorf("create after restore: %w", err)
	}
	if verbose {
		fmt.Printf("  restored device minted id=%#x at %#x\n", info.ID, info.Base)
	}
	return restored.driver.CloseResource(7)
}
