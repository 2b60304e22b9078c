package host

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/waiter"
)

// MemProvider is the in-process Provider. Channels are in-memory message
// queues with waiter-based readiness, shared memory is a plain byte slice.
// Tests and the sim harness run on it.
type MemProvider struct{}

func NewMemProvider() *MemProvider { return &MemProvider{} }

func (*MemProvider) NewSharedMemory(size uint64) (SharedMemory, error) {
	return &memMemory{buf: make([]byte, size)}, nil
}

func (*MemProvider) NewChannel() (Channel, Handle, error) {
	st := &memChannelState{}

	return &memChannel{st: st, side: 0}, &memChannel{st: st, side: 1}, nil
}

func (*MemProvider) NewPipe() (Handle, Handle, error) {
	return &memPipe{}, &memPipe{}, nil
}

func (*MemProvider) AdoptMemory(h Handle) (SharedMemory, error) {
	m, ok := h.(*memMemory)
	if !ok {
		return nil, fmt.Errorf("host: adopt memory: handle is %T", h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	return m, nil
}

type memMemory struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (m *memMemory) Dup() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	// The duplicate shares the backing store but closes independently.
	return &memMemory{buf: m.buf}, nil
}

func (m *memMemory) Kind() (Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return KindUnknown, ErrClosed
	}

	return KindMemory, nil
}

func (m *memMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	return nil
}

func (m *memMemory) Size() uint64  { return uint64(len(m.buf)) }
func (m *memMemory) Bytes() []byte { return m.buf }

// memPipe is one end of a byte-stream pair. Nothing in this process reads
// or writes pipes, so the end carries no stream state.
type memPipe struct {
	mu     sync.Mutex
	closed bool
}

func (p *memPipe) Dup() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	return &memPipe{}, nil
}

func (p *memPipe) Kind() (Kind, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return KindUnknown, ErrClosed
	}

	return KindPipe, nil
}

func (p *memPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	return nil
}

type memChannelState struct {
	mu     sync.Mutex
	queues [2][]Message
	closed [2]bool
	wq     [2]waiter.Queue
}

// readiness is the current signal state of one side.
func (st *memChannelState) readiness(side int) Signals {
	st.mu.Lock()
	defer st.mu.Unlock()

	var sig Signals
	if len(st.queues[side]) > 0 {
		sig |= SignalReadable
	}
	if st.closed[1-side] {
		sig |= SignalPeerClosed
	}

	return sig
}

type memChannel struct {
	st   *memChannelState
	side int
}

// Dup refuses: channel endpoints are single-owner message ports and cannot
// be transferred by duplication.
func (c *memChannel) Dup() (Handle, error) {
	return nil, fmt.Errorf("host: channel endpoint is not duplicable")
}

func (c *memChannel) Kind() (Kind, error) {
	st := c.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed[c.side] {
		return KindUnknown, ErrClosed
	}

	return KindChannel, nil
}

func (c *memChannel) Close() error {
	st, side := c.st, c.side

	st.mu.Lock()
	if st.closed[side] {
		st.mu.Unlock()
		return ErrClosed
	}
	st.closed[side] = true
	pending := st.queues[side]
	st.queues[side] = nil
	st.mu.Unlock()

	for _, m := range pending {
		CloseHandles(m.Handles)
	}
	st.wq[1-side].Notify(SignalPeerClosed)

	return nil
}

func (c *memChannel) Send(data []byte, handles []Handle) error {
	if err := ValidateMessage(len(data), len(handles)); err != nil {
		return err
	}

	st, side := c.st, c.side
	peer := 1 - side

	st.mu.Lock()
	if st.closed[side] {
		st.mu.Unlock()
		return ErrClosed
	}
	if st.closed[peer] {
		st.mu.Unlock()
		return ErrPeerClosed
	}

	msg := Message{Data: append([]byte(nil), data...), Handles: handles}
	st.queues[peer] = append(st.queues[peer], msg)
	st.mu.Unlock()

	st.wq[peer].Notify(SignalReadable)

	return nil
}

func (c *memChannel) Peek() (int, int, error) {
	st, side := c.st, c.side

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed[side] {
		return 0, 0, ErrClosed
	}
	if len(st.queues[side]) > 0 {
		m := st.queues[side][0]
		return len(m.Data), len(m.Handles), nil
	}
	if st.closed[1-side] {
		return 0, 0, ErrPeerClosed
	}

	return 0, 0, ErrShouldWait
}

func (c *memChannel) Recv() (Message, error) {
	st, side := c.st, c.side

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed[side] {
		return Message{}, ErrClosed
	}
	if len(st.queues[side]) > 0 {
		m := st.queues[side][0]
		st.queues[side] = st.queues[side][1:]
		return m, nil
	}
	if st.closed[1-side] {
		return Message{}, ErrPeerClosed
	}

	return Message{}, ErrShouldWait
}

func (c *memChannel) WaitAsync(f func(Signals)) (func(), error) {
	st, side := c.st, c.side

	st.mu.Lock()
	if st.closed[side] {
		st.mu.Unlock()
		return nil, ErrClosed
	}
	st.mu.Unlock()

	e, ch := waiter.NewChannelEntry(SignalReadable | SignalPeerClosed)
	st.wq[side].EventRegister(&e)

	done := make(chan struct{})
	go func() {
		defer st.wq[side].EventUnregister(&e)

		// A message may already have been queued before the entry
		// registered, in which case no notification will arrive.
		if sig := st.readiness(side); sig != 0 {
			select {
			case <-done:
			default:
				f(sig)
			}
			return
		}

		select {
		case <-ch:
			f(st.readiness(side))
		case <-done:
		}
	}()

	return sync.OnceFunc(func() { close(done) }), nil
}

var (
	_ Provider     = (*MemProvider)(nil)
	_ Channel      = (*memChannel)(nil)
	_ SharedMemory = (*memMemory)(nil)
)
