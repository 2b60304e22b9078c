// Package host abstracts the host OS resources the bridge device hands out
// to guests: shared memory objects, datagram channels that carry handles,
// and raw byte-stream pipes. Two providers exist: MemProvider, an
// in-process implementation used by tests and the sim harness, and
// LinuxProvider on memfds and unix socketpairs.
package host

import (
	"errors"

	"gvisor.dev/gvisor/pkg/waiter"
)

// Per-message transport limits for channels.
const (
	MaxMessageBytes   = 65536
	MaxMessageHandles = 64
)

var (
	// ErrShouldWait reports that no message is pending on a channel.
	ErrShouldWait = errors.New("host: should wait")
	// ErrPeerClosed reports that the other endpoint is gone.
	ErrPeerClosed = errors.New("host: peer closed")
	// ErrTooBig reports a message exceeding the transport limits.
	ErrTooBig = errors.New("host: message too big")
	// ErrClosed reports use of a handle after Close.
	ErrClosed = errors.New("host: handle closed")
)

// Signals is the readiness bitmask channels report through WaitAsync.
type Signals = waiter.EventMask

const (
	SignalReadable   Signals = waiter.EventIn
	SignalPeerClosed Signals = waiter.EventHUp
)

// Kind classifies the resource behind a handle. Channels can carry memory
// and pipe handles; arriving channel handles are rejected by the receiver.
type Kind int

const (
	KindUnknown Kind = iota
	KindMemory
	KindPipe
	KindChannel
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindPipe:
		return "pipe"
	case KindChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Handle is one owned, transferable reference to a host resource.
type Handle interface {
	// Dup returns an independently owned reference to the same resource.
	// Not every resource supports duplication; channel endpoints refuse.
	Dup() (Handle, error)
	// Kind classifies the resource behind the handle.
	Kind() (Kind, error)
	Close() error
}

// SharedMemory is an owned shared memory object.
type SharedMemory interface {
	Handle
	Size() uint64
	// Bytes is the live host mapping of the object, valid until Close.
	Bytes() []byte
}

// Message is one datagram carried by a channel. The receiver owns the
// handles.
type Message struct {
	Data    []byte
	Handles []Handle
}

// Channel is one endpoint of a bidirectional datagram channel.
type Channel interface {
	Handle

	// Send writes one message. Ownership of handles passes to the channel
	// on success; on error the caller still owns them. Returns
	// ErrPeerClosed once the peer endpoint is gone.
	Send(data []byte, handles []Handle) error

	// Peek reports the exact payload byte and handle counts of the next
	// pending message without consuming it. ErrShouldWait when nothing is
	// pending, ErrPeerClosed when the queue is empty and the peer is gone.
	Peek() (dataLen, handleCount int, err error)

	// Recv removes and returns the next pending message. Errors as Peek.
	Recv() (Message, error)

	// WaitAsync arms a one-shot wait: f runs once, on a watcher goroutine,
	// when the channel becomes readable or the peer closes. The returned
	// cancel must be called once the wait is no longer needed, fired or
	// not; it releases the watcher and prevents a callback that has not
	// started. A callback racing cancel may still run and callers must
	// tolerate it. Calling cancel repeatedly is safe.
	WaitAsync(f func(Signals)) (cancel func(), err error)
}

// Provider creates host resources and adopts handles received over
// channels.
type Provider interface {
	// NewSharedMemory allocates a zero-filled shared memory object.
	NewSharedMemory(size uint64) (SharedMemory, error)

	// NewChannel creates a connected channel pair: the kept endpoint and
	// the peer's handle for handoff.
	NewChannel() (Channel, Handle, error)

	// NewPipe creates a connected byte-stream pair. Neither end is read
	// or written locally; both are carried as plain handles.
	NewPipe() (local, peer Handle, err error)

	// AdoptMemory maps a received memory handle, taking ownership of h on
	// success.
	AdoptMemory(h Handle) (SharedMemory, error)
}

// ValidateMessage checks payload and handle counts against the transport
// limits.
func ValidateMessage(dataLen, handleCount int) error {
	if dataLen > MaxMessageBytes || handleCount > MaxMessageHandles {
		return ErrTooBig
	}

	return nil
}

// CloseHandles closes every handle in hs, returning the first error.
func CloseHandles(hs []Handle) error {
	var first error
	for _, h := range hs {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
