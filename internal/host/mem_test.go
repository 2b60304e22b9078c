package host

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestMemChannelSendRecv(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, err := p.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	peer := peerHandle.(Channel)

	if err := peer.Send([]byte("hello"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dataLen, handleCount, err := local.Peek()
	if err != nil || dataLen != 5 || handleCount != 0 {
		t.Fatalf("Peek: got (%d, %d, %v), want (5, 0, nil)", dataLen, handleCount, err)
	}

	msg, err := local.Recv()
	if err != nil || !bytes.Equal(msg.Data, []byte("hello")) {
		t.Fatalf("Recv: got (%q, %v)", msg.Data, err)
	}

	if _, _, err := local.Peek(); !errors.Is(err, ErrShouldWait) {
		t.Errorf("Peek on empty channel: got %v, want ErrShouldWait", err)
	}
}

func TestMemChannelHandleTransfer(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	mem, err := p.NewSharedMemory(4096)
	if err != nil {
		t.Fatalf("NewSharedMemory: %v", err)
	}
	copy(mem.Bytes(), "shared")

	dup, err := mem.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	if err := peer.Send([]byte("take this"), []Handle{dup}); err != nil {
		t.Fatalf("Send with handle: %v", err)
	}

	msg, err := local.Recv()
	if err != nil || len(msg.Handles) != 1 {
		t.Fatalf("Recv: got %d handles, err %v", len(msg.Handles), err)
	}

	kind, err := msg.Handles[0].Kind()
	if err != nil || kind != KindMemory {
		t.Fatalf("received handle kind: got %v, %v", kind, err)
	}

	// The transferred handle references the same backing store.
	adopted, err := p.AdoptMemory(msg.Handles[0])
	if err != nil {
		t.Fatalf("AdoptMemory: %v", err)
	}
	if string(adopted.Bytes()[:6]) != "shared" {
		t.Errorf("adopted memory contents: got %q", adopted.Bytes()[:6])
	}
}

func TestMemChannelPeerClosed(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	// Messages queued before the close still drain first.
	if err := peer.Send([]byte("last words"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, _, err := local.Peek(); err != nil {
		t.Fatalf("Peek with queued message: %v", err)
	}
	if _, err := local.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if _, _, err := local.Peek(); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Peek after drain: got %v, want ErrPeerClosed", err)
	}
	if err := local.Send([]byte("x"), nil); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Send to closed peer: got %v, want ErrPeerClosed", err)
	}
}

func waitSignal(t *testing.T, ch <-chan Signals) Signals {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel signal")
		return 0
	}
}

func TestMemChannelWaitAsync(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	fired := make(chan Signals, 1)
	cancel, err := local.WaitAsync(func(s Signals) { fired <- s })
	if err != nil {
		t.Fatalf("WaitAsync: %v", err)
	}
	defer cancel()

	if err := peer.Send([]byte("ping"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s := waitSignal(t, fired); s&SignalReadable == 0 {
		t.Errorf("signals: got %#x, want readable set", s)
	}

	// One-shot: a second send must not fire the wait again.
	peer.Send([]byte("ping"), nil)
	select {
	case <-fired:
		t.Error("one-shot wait fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemChannelWaitAsyncAlreadyReadable(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	peer.Send([]byte("early"), nil)

	fired := make(chan Signals, 1)
	cancel, err := local.WaitAsync(func(s Signals) { fired <- s })
	if err != nil {
		t.Fatalf("WaitAsync: %v", err)
	}
	defer cancel()

	if s := waitSignal(t, fired); s&SignalReadable == 0 {
		t.Errorf("signals: got %#x, want readable set", s)
	}
}

func TestMemChannelWaitAsyncPeerClose(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()

	fired := make(chan Signals, 1)
	cancel, err := local.WaitAsync(func(s Signals) { fired <- s })
	if err != nil {
		t.Fatalf("WaitAsync: %v", err)
	}
	defer cancel()

	peerHandle.Close()
	if s := waitSignal(t, fired); s&SignalPeerClosed == 0 {
		t.Errorf("signals: got %#x, want peer-closed set", s)
	}
}

func TestMemChannelWaitAsyncCancel(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	fired := make(chan Signals, 1)
	cancel, err := local.WaitAsync(func(s Signals) { fired <- s })
	if err != nil {
		t.Fatalf("WaitAsync: %v", err)
	}
	cancel()
	cancel() // repeat is safe

	peer.Send([]byte("too late"), nil)
	select {
	case <-fired:
		t.Error("cancelled wait fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemChannelNotDuplicable(t *testing.T) {
	p := NewMemProvider()
	local, _, _ := p.NewChannel()

	if _, err := local.Dup(); err == nil {
		t.Error("channel endpoint Dup succeeded, want error")
	}
}

func TestMemChannelEmptyMessage(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	if err := peer.Send(nil, nil); err != nil {
		t.Fatalf("Send empty: %v", err)
	}
	dataLen, handleCount, err := local.Peek()
	if err != nil || dataLen != 0 || handleCount != 0 {
		t.Fatalf("Peek: got (%d, %d, %v), want (0, 0, nil)", dataLen, handleCount, err)
	}
	if _, err := local.Recv(); err != nil {
		t.Fatalf("Recv empty: %v", err)
	}
}

func TestMemChannelLimits(t *testing.T) {
	p := NewMemProvider()
	local, peerHandle, _ := p.NewChannel()
	peer := peerHandle.(Channel)

	if err := peer.Send(make([]byte, MaxMessageBytes+1), nil); !errors.Is(err, ErrTooBig) {
		t.Errorf("oversized payload: got %v, want ErrTooBig", err)
	}
	if err := peer.Send(make([]byte, MaxMessageBytes), nil); err != nil {
		t.Errorf("payload at limit: %v", err)
	}
	if _, err := local.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	handles := make([]Handle, MaxMessageHandles+1)
	for i := range handles {
		mem, _ := p.NewSharedMemory(16)
		handles[i] = mem
	}
	if err := peer.Send(nil, handles); !errors.Is(err, ErrTooBig) {
		t.Errorf("oversized handle count: got %v, want ErrTooBig", err)
	}
}

func TestMemSharedMemoryLifecycle(t *testing.T) {
	p := NewMemProvider()
	mem, err := p.NewSharedMemory(128)
	if err != nil {
		t.Fatalf("NewSharedMemory: %v", err)
	}
	if mem.Size() != 128 || len(mem.Bytes()) != 128 {
		t.Fatalf("size: got %d/%d, want 128", mem.Size(), len(mem.Bytes()))
	}
	for _, b := range mem.Bytes() {
		if b != 0 {
			t.Fatal("shared memory not zero-filled")
		}
	}

	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mem.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("double Close: got %v, want ErrClosed", err)
	}
	if _, err := mem.Dup(); !errors.Is(err, ErrClosed) {
		t.Errorf("Dup after Close: got %v, want ErrClosed", err)
	}
}

func TestMemPipeKinds(t *testing.T) {
	p := NewMemProvider()
	local, peer, err := p.NewPipe()
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}

	for _, h := range []Handle{local, peer} {
		kind, err := h.Kind()
		if err != nil || kind != KindPipe {
			t.Errorf("pipe end kind: got %v, %v", kind, err)
		}
	}

	dup, err := peer.Dup()
	if err != nil {
		t.Fatalf("pipe Dup: %v", err)
	}
	if kind, _ := dup.Kind(); kind != KindPipe {
		t.Errorf("dup kind: got %v, want pipe", kind)
	}
}
