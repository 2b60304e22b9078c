//go:build linux

package host

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// LinuxProvider backs shared memory with memfds and channels and pipes
// with unix socketpairs (SOCK_SEQPACKET and SOCK_STREAM). Handles are file
// descriptors; channel handle transfer uses SCM_RIGHTS.
type LinuxProvider struct{}

func NewLinuxProvider() *LinuxProvider { return &LinuxProvider{} }

func (*LinuxProvider) NewSharedMemory(size uint64) (SharedMemory, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("host: shared memory size %d exceeds host address limit", size)
	}

	fd, err := unix.MemfdCreate("vbridge-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("host: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("host: ftruncate: %w", err)
	}

	return mapMemoryFD(fd, size)
}

func (*LinuxProvider) NewChannel() (Channel, Handle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("host: socketpair: %w", err)
	}

	return &linuxChannel{h: newFDHandle(fds[0])}, newFDHandle(fds[1]), nil
}

func (*LinuxProvider) NewPipe() (Handle, Handle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("host: socketpair: %w", err)
	}

	return newFDHandle(fds[0]), newFDHandle(fds[1]), nil
}

func (*LinuxProvider) AdoptMemory(h Handle) (SharedMemory, error) {
	fh, ok := h.(*fdHandle)
	if !ok {
		return nil, fmt.Errorf("host: adopt memory: handle is %T", h)
	}

	fd, err := fh.release()
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("host: fstat: %w", err)
	}

	return mapMemoryFD(fd, uint64(st.Size))
}

// fdHandle owns one file descriptor.
type fdHandle struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func newFDHandle(fd int) *fdHandle { return &fdHandle{fd: fd} }

func (h *fdHandle) get() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1, ErrClosed
	}

	return h.fd, nil
}

// release surrenders ownership of the descriptor without closing it.
func (h *fdHandle) release() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1, ErrClosed
	}
	h.closed = true
	fd := h.fd
	h.fd = -1

	return fd, nil
}

func (h *fdHandle) Dup() (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	nfd, err := unix.FcntlInt(uintptr(h.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("host: dup: %w", err)
	}

	return newFDHandle(nfd), nil
}

func (h *fdHandle) Kind() (Kind, error) {
	fd, err := h.get()
	if err != nil {
		return KindUnknown, err
	}

	return classifyFD(fd)
}

func (h *fdHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	fd := h.fd
	h.fd = -1

	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("host: close: %w", err)
	}

	return nil
}

// classifyFD maps a descriptor onto the transferable resource kinds:
// memfds stat as regular files, pipes are stream sockets and channels are
// seqpacket sockets.
func classifyFD(fd int) (Kind, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return KindUnknown, fmt.Errorf("host: fstat: %w", err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return KindMemory, nil
	case unix.S_IFSOCK:
		typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil {
			return KindUnknown, fmt.Errorf("host: getsockopt SO_TYPE: %w", err)
		}
		switch typ {
		case unix.SOCK_STREAM:
			return KindPipe, nil
		case unix.SOCK_SEQPACKET:
			return KindChannel, nil
		}
	}

	return KindUnknown, nil
}

type linuxMemory struct {
	h   *fdHandle
	buf []byte
}

func mapMemoryFD(fd int, size uint64) (*linuxMemory, error) {
	buf, err := unix.Mmap(
		fd,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("host: mmap: %w", err)
	}

	return &linuxMemory{h: newFDHandle(fd), buf: buf}, nil
}

func (m *linuxMemory) Dup() (Handle, error) { return m.h.Dup() }
func (m *linuxMemory) Kind() (Kind, error)  { return m.h.Kind() }

func (m *linuxMemory) Close() error {
	if m.buf != nil {
		if err := unix.Munmap(m.buf); err != nil {
			return fmt.Errorf("host: munmap: %w", err)
		}
		m.buf = nil
	}

	return m.h.Close()
}

func (m *linuxMemory) Size() uint64  { return uint64(len(m.buf)) }
func (m *linuxMemory) Bytes() []byte { return m.buf }

type linuxChannel struct {
	h *fdHandle

	mu      sync.Mutex
	pending *Message
	eof     bool
}

func (c *linuxChannel) Dup() (Handle, error) { return c.h.Dup() }
func (c *linuxChannel) Kind() (Kind, error)  { return c.h.Kind() }

func (c *linuxChannel) Close() error {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p != nil {
		CloseHandles(p.Handles)
	}

	return c.h.Close()
}

func (c *linuxChannel) Send(data []byte, handles []Handle) error {
	if err := ValidateMessage(len(data), len(handles)); err != nil {
		return err
	}

	fd, err := c.h.get()
	if err != nil {
		return err
	}

	var oob []byte
	if len(handles) > 0 {
		rawFDs := make([]int, 0, len(handles))
		for _, h := range handles {
			fh, ok := h.(*fdHandle)
			if !ok {
				return fmt.Errorf("host: send: handle is %T", h)
			}
			raw, err := fh.get()
			if err != nil {
				return err
			}
			rawFDs = append(rawFDs, raw)
		}
		oob = unix.UnixRights(rawFDs...)
	}

	err = unix.Sendmsg(fd, data, oob, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	switch {
	case errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET):
		return ErrPeerClosed
	case errors.Is(err, unix.EAGAIN):
		return ErrShouldWait
	case err != nil:
		return fmt.Errorf("host: sendmsg: %w", err)
	}

	// The kernel inserted its own references to the passed descriptors.
	CloseHandles(handles)

	return nil
}

// fill receives the next message into the pending slot. MSG_PEEK would
// install fresh duplicates of any passed descriptors on every call, so the
// message is taken off the socket once and parked until Recv. Caller holds
// c.mu.
func (c *linuxChannel) fill() error {
	if c.pending != nil {
		return nil
	}
	if c.eof {
		return ErrPeerClosed
	}

	fd, err := c.h.get()
	if err != nil {
		return err
	}

	buf := make([]byte, MaxMessageBytes)
	oob := make([]byte, unix.CmsgSpace(MaxMessageHandles*4))

	var n, oobn, recvflags int
	for {
		n, oobn, recvflags, _, err = unix.Recvmsg(fd, buf, oob, unix.MSG_CMSG_CLOEXEC|unix.MSG_DONTWAIT)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	switch {
	case errors.Is(err, unix.EAGAIN):
		return ErrShouldWait
	case errors.Is(err, unix.ECONNRESET):
		c.eof = true
		return ErrPeerClosed
	case err != nil:
		return fmt.Errorf("host: recvmsg: %w", err)
	}

	var handles []Handle
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("host: parse control message: %w", err)
		}
		for _, m := range cmsgs {
			fds, err := unix.ParseUnixRights(&m)
			if err != nil {
				CloseHandles(handles)
				return fmt.Errorf("host: parse rights: %w", err)
			}
			for _, nfd := range fds {
				handles = append(handles, newFDHandle(nfd))
			}
		}
	}

	// Seqpacket records arrive with MSG_EOR; a zero-length read without it
	// is the peer closing.
	if n == 0 && len(handles) == 0 && recvflags&unix.MSG_EOR == 0 {
		c.eof = true
		return ErrPeerClosed
	}

	if recvflags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		CloseHandles(handles)
		return ErrTooBig
	}

	c.pending = &Message{Data: buf[:n], Handles: handles}

	return nil
}

func (c *linuxChannel) Peek() (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fill(); err != nil {
		return 0, 0, err
	}

	return len(c.pending.Data), len(c.pending.Handles), nil
}

func (c *linuxChannel) Recv() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fill(); err != nil {
		return Message{}, err
	}

	m := *c.pending
	c.pending = nil

	return m, nil
}

func (c *linuxChannel) WaitAsync(f func(Signals)) (func(), error) {
	fd, err := c.h.get()
	if err != nil {
		return nil, err
	}

	var pfds [2]int
	if err := unix.Pipe2(pfds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("host: pipe2: %w", err)
	}

	go func() {
		defer unix.Close(pfds[0])

		// A parked message or a recorded EOF is readiness the socket no
		// longer shows.
		c.mu.Lock()
		var sig Signals
		if c.pending != nil {
			sig |= SignalReadable
		}
		if c.eof {
			sig |= SignalPeerClosed
		}
		c.mu.Unlock()
		if sig != 0 {
			f(sig)
			return
		}

		for {
			polls := []unix.PollFd{
				{Fd: int32(fd), Events: unix.POLLIN},
				{Fd: int32(pfds[0]), Events: unix.POLLIN},
			}
			n, err := unix.Poll(polls, -1)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil || n == 0 {
				return
			}
			if polls[1].Revents != 0 {
				return
			}

			re := polls[0].Revents
			if re&unix.POLLNVAL != 0 {
				return
			}

			var sig Signals
			if re&unix.POLLIN != 0 {
				sig |= SignalReadable
			}
			if re&(unix.POLLHUP|unix.POLLERR) != 0 {
				sig |= SignalPeerClosed
			}
			if sig == 0 {
				continue
			}

			f(sig)
			return
		}
	}()

	return sync.OnceFunc(func() { unix.Close(pfds[1]) }), nil
}

var (
	_ Provider     = (*LinuxProvider)(nil)
	_ Channel      = (*linuxChannel)(nil)
	_ SharedMemory = (*linuxMemory)(nil)
	_ Handle       = (*fdHandle)(nil)
)
