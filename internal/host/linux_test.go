//go:build linux

package host

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestLinuxChannelSendRecv(t *testing.T) {
	p := NewLinuxProvider()
	local, peerHandle, err := p.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer local.Close()

	peer := &linuxChannel{h: peerHandle.(*fdHandle)}
	defer peer.Close()

	if err := peer.Send([]byte("hello"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dataLen, handleCount, err := local.Peek()
	if err != nil || dataLen != 5 || handleCount != 0 {
		t.Fatalf("Peek: got (%d, %d, %v), want (5, 0, nil)", dataLen, handleCount, err)
	}

	// Peek parks the message; a second peek must not consume another.
	if _, _, err := local.Peek(); err != nil {
		t.Fatalf("second Peek: %v", err)
	}

	msg, err := local.Recv()
	if err != nil || !bytes.Equal(msg.Data, []byte("hello")) {
		t.Fatalf("Recv: got (%q, %v)", msg.Data, err)
	}

	if _, _, err := local.Peek(); !errors.Is(err, ErrShouldWait) {
		t.Errorf("Peek on empty channel: got %v, want ErrShouldWait", err)
	}
}

func TestLinuxChannelHandleTransfer(t *testing.T) {
	p := NewLinuxProvider()
	local, peerHandle, err := p.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer local.Close()
	peer := &linuxChannel{h: peerHandle.(*fdHandle)}
	defer peer.Close()

	mem, err := p.NewSharedMemory(4096)
	if err != nil {
		t.Fatalf("NewSharedMemory: %v", err)
	}
	defer mem.Close()
	copy(mem.Bytes(), "shared")

	pipeLocal, pipePeer, err := p.NewPipe()
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	defer pipeLocal.Close()
	defer pipePeer.Close()

	memDup, err := mem.Dup()
	if err != nil {
		t.Fatalf("mem Dup: %v", err)
	}
	pipeDup, err := pipePeer.Dup()
	if err != nil {
		t.Fatalf("pipe Dup: %v", err)
	}

	if err := peer.Send([]byte("attachments"), []Handle{memDup, pipeDup}); err != nil {
		t.Fatalf("Send with handles: %v", err)
	}

	dataLen, handleCount, err := local.Peek()
	if err != nil || dataLen != len("attachments") || handleCount != 2 {
		t.Fatalf("Peek: got (%d, %d, %v)", dataLen, handleCount, err)
	}

	msg, err := local.Recv()
	if err != nil || len(msg.Handles) != 2 {
		t.Fatalf("Recv: got %d handles, err %v", len(msg.Handles), err)
	}

	kind, err := msg.Handles[0].Kind()
	if err != nil || kind != KindMemory {
		t.Fatalf("first handle kind: got %v, %v", kind, err)
	}
	kind, err = msg.Handles[1].Kind()
	if err != nil || kind != KindPipe {
		t.Fatalf("second handle kind: got %v, %v", kind, err)
	}

	// Adopting the transferred memfd maps the same pages.
	adopted, err := p.AdoptMemory(msg.Handles[0])
	if err != nil {
		t.Fatalf("AdoptMemory: %v", err)
	}
	defer adopted.Close()
	if adopted.Size() != 4096 || string(adopted.Bytes()[:6]) != "shared" {
		t.Errorf("adopted mapping: size %d, contents %q", adopted.Size(), adopted.Bytes()[:6])
	}

	msg.Handles[1].Close()
}

func TestLinuxChannelPeerClosed(t *testing.T) {
	p := NewLinuxProvider()
	local, peerHandle, err := p.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer local.Close()
	peer := &linuxChannel{h: peerHandle.(*fdHandle)}

	if err := peer.Send([]byte("bye"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	peer.Close()

	if _, err := local.Recv(); err != nil {
		t.Fatalf("Recv of final message: %v", err)
	}
	if _, _, err := local.Peek(); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Peek after peer close: got %v, want ErrPeerClosed", err)
	}
	if err := local.Send([]byte("x"), nil); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Send after peer close: got %v, want ErrPeerClosed", err)
	}
}

func TestLinuxChannelWaitAsync(t *testing.T) {
	p := NewLinuxProvider()
	local, peerHandle, err := p.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer local.Close()
	peer := &linuxChannel{h: peerHandle.(*fdHandle)}

	fired := make(chan Signals, 1)
	cancel, err := local.WaitAsync(func(s Signals) { fired <- s })
	if err != nil {
		t.Fatalf("WaitAsync: %v", err)
	}
	defer cancel()

	if err := peer.Send([]byte("ping"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case s := <-fired:
		if s&SignalReadable == 0 {
			t.Errorf("signals: got %#x, want readable set", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for readable signal")
	}

	// Drain, then wait for the close notification on a fresh arm.
	if _, err := local.Recv(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	cancel2, err := local.WaitAsync(func(s Signals) { fired <- s })
	if err != nil {
		t.Fatalf("second WaitAsync: %v", err)
	}
	defer cancel2()

	peer.Close()
	select {
	case s := <-fired:
		if s&(SignalReadable|SignalPeerClosed) == 0 {
			t.Errorf("signals after close: got %#x", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close signal")
	}
}

func TestLinuxKindClassification(t *testing.T) {
	p := NewLinuxProvider()

	mem, err := p.NewSharedMemory(16)
	if err != nil {
		t.Fatalf("NewSharedMemory: %v", err)
	}
	defer mem.Close()
	if kind, _ := mem.Kind(); kind != KindMemory {
		t.Errorf("memfd kind: got %v, want memory", kind)
	}

	local, peerHandle, err := p.NewChannel()
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer local.Close()
	defer peerHandle.Close()
	if kind, _ := local.Kind(); kind != KindChannel {
		t.Errorf("seqpacket kind: got %v, want channel", kind)
	}

	pa, pb, err := p.NewPipe()
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	defer pa.Close()
	defer pb.Close()
	if kind, _ := pa.Kind(); kind != KindPipe {
		t.Errorf("stream kind: got %v, want pipe", kind)
	}
}
