package virtio

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vbridge/internal/host"
	"github.com/tinyrange/vbridge/internal/hv"
)

// resource is one host object owned by a bridge's table. Each variant
// exposes a single handle for attachment to outgoing messages, whatever
// it holds internally.
type resource interface {
	// transferHandle duplicates the resource's transferable handle. The
	// caller owns the duplicate.
	transferHandle() (host.Handle, error)
	// destroy releases everything the resource owns. Called exactly once.
	destroy()
}

// mappedMemory owns a shared memory object and its allocation in the
// guest-visible window.
type mappedMemory struct {
	mem       host.SharedMemory
	guestBase uint64
	window    *hv.AddressSpace
}

func (m *mappedMemory) transferHandle() (host.Handle, error) {
	return m.mem.Dup()
}

func (m *mappedMemory) destroy() {
	if m.window != nil {
		if err := m.window.Release(m.guestBase); err != nil {
			slog.Warn("virtio-bridge: release guest window", "base", fmt.Sprintf("%#x", m.guestBase), "err", err)
		}
	}
	m.mem.Close()
}

// channelEndpoint owns one end of a host channel and, while armed, its
// readiness wait registration.
type channelEndpoint struct {
	ch     host.Channel
	cancel func()
}

// transferHandle fails for channels: endpoints are single-owner and the
// host side refuses to duplicate them.
func (c *channelEndpoint) transferHandle() (host.Handle, error) {
	return c.ch.Dup()
}

func (c *channelEndpoint) destroy() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.ch.Close()
}

// dataPipe owns up to two ends of a byte pipe: the held end stays with
// the resource for its lifetime, the transfer end is what attachments
// duplicate. Pipes adopted from inbound messages only carry the transfer
// end.
type dataPipe struct {
	held     host.Handle
	transfer host.Handle
}

func (p *dataPipe) transferHandle() (host.Handle, error) {
	return p.transfer.Dup()
}

func (p *dataPipe) destroy() {
	if p.held != nil {
		p.held.Close()
	}
	p.transfer.Close()
}

// resourceTable owns every live resource of one bridge. All destruction
// funnels through it.
type resourceTable struct {
	entries map[uint32]resource
}

func newResourceTable() resourceTable {
	return resourceTable{entries: make(map[uint32]resource)}
}

// insert adds res under id. On collision the table is unchanged and the
// incoming resource is destroyed.
func (t *resourceTable) insert(id uint32, res resource) bool {
	if _, exists := t.entries[id]; exists {
		res.destroy()
		return false
	}
	t.entries[id] = res
	return true
}

func (t *resourceTable) find(id uint32) resource {
	return t.entries[id]
}

// erase removes and destroys the resource under id.
func (t *resourceTable) erase(id uint32) bool {
	res, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	res.destroy()
	return true
}

func (t *resourceTable) clear() {
	for id, res := range t.entries {
		delete(t.entries, id)
		res.destroy()
	}
}

func (t *resourceTable) count() int {
	return len(t.entries)
}

// readySet tracks which resources have undelivered signals, in arrival
// order.
type readySet struct {
	order   []uint32
	signals map[uint32]host.Signals
}

func newReadySet() readySet {
	return readySet{signals: make(map[uint32]host.Signals)}
}

func (s *readySet) add(id uint32, sig host.Signals) {
	if _, ok := s.signals[id]; !ok {
		s.order = append(s.order, id)
	}
	s.signals[id] |= sig
}

func (s *readySet) empty() bool {
	return len(s.order) == 0
}

// head returns the oldest pending entry. Callers check empty first.
func (s *readySet) head() (uint32, host.Signals) {
	id := s.order[0]
	return id, s.signals[id]
}

// demote replaces an entry's signals with peer-closed only, keeping its
// position.
func (s *readySet) demote(id uint32) {
	if _, ok := s.signals[id]; ok {
		s.signals[id] = host.SignalPeerClosed
	}
}

// clearSignal drops sig from an entry and returns what remains.
func (s *readySet) clearSignal(id uint32, sig host.Signals) host.Signals {
	s.signals[id] &^= sig
	return s.signals[id]
}

func (s *readySet) remove(id uint32) {
	if _, ok := s.signals[id]; !ok {
		return
	}
	delete(s.signals, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
