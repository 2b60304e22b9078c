package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vbridge/internal/host"
	"github.com/tinyrange/vbridge/internal/hv"
	"github.com/tinyrange/vbridge/internal/timeslice"
	"github.com/tinyrange/vbridge/internal/trace"
)

const (
	bridgeDefaultMMIOBase   = 0xd0004000
	bridgeDefaultMMIOSize   = 0x200
	bridgeDefaultIRQLine    = 12
	bridgeArmDefaultIRQLine = 44

	bridgeQueueCount  = 2
	bridgeQueueNumMax = 256
	bridgeVendorID    = 0x554d4551 // "QEMU"
	bridgeVersion     = 2
	bridgeDeviceID    = 63

	bridgeQueueIn  = 0 // host to guest notifications
	bridgeQueueOut = 1 // guest to host commands

	bridgeInterruptBit = VIRTIO_MMIO_INT_VRING

	// Default guest-physical window shared memory mappings come out of.
	bridgeDefaultWindowBase = 0x1_0000_0000
	bridgeDefaultWindowSize = 0x4000_0000
)

var (
	bridgeTimesliceRead  = timeslice.RegisterKind("virtio-bridge-read", 0)
	bridgeTimesliceWrite = timeslice.RegisterKind("virtio-bridge-write", 0)
)

var bridgeDeviceConfig = &MMIODeviceConfig{
	DefaultMMIOBase:   bridgeDefaultMMIOBase,
	DefaultMMIOSize:   bridgeDefaultMMIOSize,
	DefaultIRQLine:    bridgeDefaultIRQLine,
	ArmDefaultIRQLine: bridgeArmDefaultIRQLine,
	DeviceID:          bridgeDeviceID,
	VendorID:          bridgeVendorID,
	Version:           bridgeVersion,
	QueueCount:        bridgeQueueCount,
	QueueMaxSize:      bridgeQueueNumMax,
	FeatureBits:       []uint64{virtioFeatureVersion1 | 1<<virtioRingFeatureEventIdxBit},
	DeviceName:        "virtio-bridge",
	TimesliceRead:     bridgeTimesliceRead,
	TimesliceWrite:    bridgeTimesliceWrite,
}

// BridgeDeviceConfig returns the shared configuration for bridge devices.
func BridgeDeviceConfig() *MMIODeviceConfig {
	return bridgeDeviceConfig
}

// BridgeTemplate creates bridge devices: the virtio transport the guest
// uses to allocate host shared memory, open channels to host programs,
// and pass resources back and forth over them.
type BridgeTemplate struct {
	MMIODeviceTemplateBase

	Provider host.Provider

	// OnConnection receives the peer handle of every channel the guest
	// opens with a NEW_CTX command. It runs on the device's dispatch
	// path and must not call back into the device synchronously. Nil
	// closes the peer immediately.
	OnConnection func(peer host.Handle)

	// Guest window for shared memory mappings. A zero size selects the
	// defaults.
	WindowBase uint64
	WindowSize uint64
}

func NewBridgeTemplate(provider host.Provider, onConnection func(host.Handle)) BridgeTemplate {
	return BridgeTemplate{
		MMIODeviceTemplateBase: MMIODeviceTemplateBase{Config: bridgeDeviceConfig},
		Provider:               provider,
		OnConnection:           onConnection,
	}
}

// Create implements hv.DeviceTemplate.
func (t BridgeTemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	if t.Provider == nil {
		return nil, fmt.Errorf("virtio-bridge: provider is required")
	}

	config := t.Config
	if config == nil {
		config = bridgeDeviceConfig
	}

	arch := t.ArchOrDefault(vm)
	irqLine := t.IRQLineForArch(arch)
	encodedLine := hv.EncodeIRQLineForArch(arch, irqLine)

	mmioBase := config.DefaultMMIOBase
	if vm != nil {
		alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{
			Name:      config.DeviceName,
			Size:      config.DefaultMMIOSize,
			Alignment: 0x1000,
		})
		if err != nil {
			return nil, fmt.Errorf("virtio-bridge: allocate MMIO: %w", err)
		}
		mmioBase = alloc.Base
	}

	windowBase := t.WindowBase
	windowSize := t.WindowSize
	if windowSize == 0 {
		windowBase = bridgeDefaultWindowBase
		windowSize = bridgeDefaultWindowSize
	}

	bridge := &Bridge{
		MMIODeviceBase: NewMMIODeviceBase(mmioBase, config.DefaultMMIOSize, encodedLine, config),
		provider:       t.Provider,
		onConnection:   t.OnConnection,
		window:         hv.NewAddressSpace(windowBase, windowSize),
		resources:      newResourceTable(),
		ready:          newReadySet(),
		nextHostID:     BRIDGE_HOST_ID_BIT,
	}

	if err := bridge.Init(vm); err != nil {
		return nil, fmt.Errorf("virtio-bridge: initialize device: %w", err)
	}

	return bridge, nil
}

var (
	_ hv.DeviceTemplate = BridgeTemplate{}
	_ VirtioMMIODevice  = BridgeTemplate{}
)

// Bridge is the resource bridge device. The guest drives it through two
// virtqueues: commands go out, delivered messages and hangups come in.
type Bridge struct {
	MMIODeviceBase

	provider     host.Provider
	onConnection func(host.Handle)

	// mu orders guest-driven dispatch against watcher callbacks. The
	// fields below it are all guarded.
	mu         sync.Mutex
	window     *hv.AddressSpace
	resources  resourceTable
	ready      readySet
	nextHostID uint32
}

// Init implements hv.Device.
func (b *Bridge) Init(vm hv.VirtualMachine) error {
	if b.Device() == nil {
		if err := b.InitBase(vm, b); err != nil {
			return err
		}
		if mmio, ok := b.Device().(*mmioDevice); ok {
			mmio.addSharedMemoryRegion(b.window.Base(), b.window.Size())
		}
		return nil
	}

	// Already initialized; re-point the transport at the new VM.
	if mmio, ok := b.Device().(*mmioDevice); ok && vm != nil {
		mmio.vm = vm
	}
	return nil
}

func (b *Bridge) configBytes() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], b.window.Base())
	binary.LittleEndian.PutUint64(buf[8:16], b.window.Size())
	return buf
}

// ReadConfig implements deviceHandler. Config space is the guest window
// placement: base u64 then size u64.
func (b *Bridge) ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (uint32, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ReadConfigWindow(offset, b.configBytes())
}

// WriteConfig implements deviceHandler.
func (b *Bridge) WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

// OnReset implements deviceHandler. Every live resource is destroyed;
// the host id counter keeps running so ids stay unique across resets.
func (b *Bridge) OnReset(dev device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resources.clear()
	b.ready = newReadySet()
}

// OnQueueNotify implements deviceHandler.
func (b *Bridge) OnQueueNotify(ctx hv.ExitContext, dev device, queue int) error {
	trace.Writef("virtio-bridge.OnQueueNotify", "queue=%d", queue)

	switch queue {
	case bridgeQueueOut:
		return b.processCommandQueue(dev)
	case bridgeQueueIn:
		// The guest posted fresh receive buffers; anything pending can
		// flow now.
		b.mu.Lock()
		defer b.mu.Unlock()
		b.drainReady(dev)
		return nil
	default:
		slog.Warn("virtio-bridge: notify for unknown queue", "queue", queue)
		return nil
	}
}

func (b *Bridge) processCommandQueue(dev device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := dev.queue(bridgeQueueOut)

	processed, err := ProcessQueueNotifications(dev, q, b.handleCommand)
	if err != nil {
		return err
	}

	if ShouldRaiseInterrupt(dev, q, processed) {
		dev.raiseInterrupt(bridgeInterruptBit)
	}
	if QueueReady(q) {
		dev.setAvailEvent(q, q.lastAvailIdx)
	}
	return nil
}

// chainSegment is one guest buffer in a descriptor chain.
type chainSegment struct {
	addr   uint64
	length uint32
}

// readCommandChain walks one command chain: the readable prefix is the
// request, the writable tail receives the response. A readable
// descriptor after a writable one is a framing violation.
func (b *Bridge) readCommandChain(dev device, q *queue, head uint16) ([]byte, []chainSegment, error) {
	var request []byte
	var response []chainSegment

	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return nil, nil, err
		}

		if desc.flags&virtqDescFWrite != 0 {
			response = append(response, chainSegment{addr: desc.addr, length: desc.length})
		} else {
			if len(response) > 0 {
				return nil, nil, fmt.Errorf("readable descriptor after writable in command chain")
			}
			if desc.length > 0 {
				chunk, err := dev.readGuest(desc.addr, desc.length)
				if err != nil {
					return nil, nil, err
				}
				request = append(request, chunk...)
			}
		}

		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}

	return request, response, nil
}

// writeResponse scatters data across the writable tail of a chain.
func (b *Bridge) writeResponse(dev device, segments []chainSegment, data []byte) (uint32, error) {
	var written uint32
	for _, seg := range segments {
		if len(data) == 0 {
			break
		}
		n := int(seg.length)
		if n > len(data) {
			n = len(data)
		}
		if n > 0 {
			if err := dev.writeGuest(seg.addr, data[:n]); err != nil {
				return written, err
			}
			written += uint32(n)
			data = data[n:]
		}
	}
	if len(data) > 0 {
		slog.Warn("virtio-bridge: response truncated", "remaining", len(data))
	}
	return written, nil
}

// handleCommand processes one command chain. Called with b.mu held, via
// ProcessQueueNotifications.
func (b *Bridge) handleCommand(dev device, q *queue, head uint16) (uint32, error) {
	request, response, err := b.readCommandChain(dev, q, head)
	if err != nil {
		return 0, err
	}

	// A command with nowhere to put the response is consumed silently.
	if len(response) == 0 {
		slog.Warn("virtio-bridge: command chain has no writable descriptor")
		return 0, nil
	}

	return b.writeResponse(dev, response, b.dispatchCommand(dev, request))
}

func (b *Bridge) dispatchCommand(dev device, request []byte) []byte {
	hdr, err := parseBridgeHeader(request)
	if err != nil {
		slog.Warn("virtio-bridge: short command", "len", len(request))
		return headerResponse(BRIDGE_RESP_ERR)
	}

	trace.Writef("virtio-bridge.cmd", "%s len=%d", bridgeTypeString(hdr.Type), len(request))

	switch hdr.Type {
	case BRIDGE_CMD_NEW:
		return b.cmdNew(request)
	case BRIDGE_CMD_CLOSE:
		return b.cmdClose(request)
	case BRIDGE_CMD_SEND:
		return b.cmdSend(dev, request)
	case BRIDGE_CMD_NEW_CTX:
		return b.cmdNewCtx(request)
	case BRIDGE_CMD_NEW_PIPE:
		return b.cmdNewPipe(request)
	case BRIDGE_CMD_NEW_DMABUF:
		return b.cmdNewDmabuf(request)
	case BRIDGE_CMD_DMABUF_SYNC:
		return b.cmdDmabufSync(request)
	default:
		return headerResponse(BRIDGE_RESP_INVALID_CMD)
	}
}

// checkGuestID rejects ids in the host half of the namespace.
func checkGuestID(id uint32) bool {
	return id&BRIDGE_HOST_ID_BIT == 0
}

func (b *Bridge) cmdNew(request []byte) []byte {
	id, size, err := parseNewRequest(request)
	if err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}
	if !checkGuestID(id) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}

	mem, err := b.provider.NewSharedMemory(uint64(size))
	if err != nil {
		slog.Warn("virtio-bridge: shared memory allocation failed", "size", size, "err", err)
		return headerResponse(BRIDGE_RESP_NO_MEMORY)
	}

	alloc, err := b.window.Allocate(hv.MMIOAllocationRequest{
		Name: fmt.Sprintf("bridge-mem-%#x", id),
		Size: mem.Size(),
	})
	if err != nil {
		mem.Close()
		slog.Warn("virtio-bridge: guest window allocation failed", "size", size, "err", err)
		return headerResponse(BRIDGE_RESP_NO_MEMORY)
	}

	res := &mappedMemory{mem: mem, guestBase: alloc.Base, window: b.window}
	if !b.resources.insert(id, res) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}

	return newResourceResponse(id, BRIDGE_RESOURCE_F_READ|BRIDGE_RESOURCE_F_WRITE, alloc.Base>>12, mem.Size())
}

func (b *Bridge) cmdClose(request []byte) []byte {
	id, err := parseIDRequest(request)
	if err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}
	if !b.resources.erase(id) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}

	// Stale ready entries for this id fall out during the next drain.
	return headerResponse(BRIDGE_RESP_OK)
}

func (b *Bridge) cmdSend(dev device, request []byte) []byte {
	id, attached, payload, err := parseSendRequest(request)
	if err != nil {
		slog.Warn("virtio-bridge: malformed send", "err", err)
		return headerResponse(BRIDGE_RESP_ERR)
	}

	res := b.resources.find(id)
	if res == nil {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}
	ep, ok := res.(*channelEndpoint)
	if !ok {
		return headerResponse(BRIDGE_RESP_ERR)
	}

	if err := host.ValidateMessage(len(payload), len(attached)); err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}

	handles := make([]host.Handle, 0, len(attached))
	for _, attachedID := range attached {
		src := b.resources.find(attachedID)
		if src == nil {
			host.CloseHandles(handles)
			return headerResponse(BRIDGE_RESP_INVALID_ID)
		}
		h, err := src.transferHandle()
		if err != nil {
			trace.Writef("virtio-bridge.send", "dup of %#x failed: %v", attachedID, err)
			host.CloseHandles(handles)
			return headerResponse(BRIDGE_RESP_INVALID_ID)
		}
		handles = append(handles, h)
	}

	if err := ep.ch.Send(payload, handles); err != nil {
		host.CloseHandles(handles)

		if errors.Is(err, host.ErrPeerClosed) {
			// The guest is told asynchronously: record the hangup and
			// let the drain deliver it.
			if ep.cancel != nil {
				ep.cancel()
				ep.cancel = nil
			}
			b.ready.add(id, host.SignalPeerClosed)
			b.drainReady(dev)
			return headerResponse(BRIDGE_RESP_OK)
		}

		slog.Warn("virtio-bridge: channel send failed", "id", fmt.Sprintf("%#x", id), "err", err)
		return headerResponse(BRIDGE_RESP_ERR)
	}

	return headerResponse(BRIDGE_RESP_OK)
}

func (b *Bridge) cmdNewCtx(request []byte) []byte {
	id, _, err := parseNewRequest(request)
	if err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}
	if !checkGuestID(id) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}

	ch, peer, err := b.provider.NewChannel()
	if err != nil {
		slog.Warn("virtio-bridge: channel creation failed", "err", err)
		return headerResponse(BRIDGE_RESP_NO_MEMORY)
	}

	ep := &channelEndpoint{ch: ch}
	if !b.resources.insert(id, ep) {
		peer.Close()
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}
	if err := b.armWait(id, ep); err != nil {
		slog.Warn("virtio-bridge: wait registration failed", "err", err)
		b.resources.erase(id)
		peer.Close()
		return headerResponse(BRIDGE_RESP_NO_MEMORY)
	}

	if b.onConnection != nil {
		b.onConnection(peer)
	} else {
		peer.Close()
	}

	return newResourceResponse(id, BRIDGE_RESOURCE_F_READ|BRIDGE_RESOURCE_F_WRITE, 0, 0)
}

func (b *Bridge) cmdNewPipe(request []byte) []byte {
	id, _, err := parseNewRequest(request)
	if err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}
	if !checkGuestID(id) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}

	local, peer, err := b.provider.NewPipe()
	if err != nil {
		slog.Warn("virtio-bridge: pipe creation failed", "err", err)
		return headerResponse(BRIDGE_RESP_NO_MEMORY)
	}

	if !b.resources.insert(id, &dataPipe{held: local, transfer: peer}) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}

	return newResourceResponse(id, BRIDGE_RESOURCE_F_READ, 0, 0)
}

// cmdNewDmabuf validates like the rest of the NEW family but always
// refuses: there is no GPU here to import a dma-buf into.
func (b *Bridge) cmdNewDmabuf(request []byte) []byte {
	id, _, err := parseNewRequest(request)
	if err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}
	if !checkGuestID(id) {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}
	return headerResponse(BRIDGE_RESP_INVALID_CMD)
}

// cmdDmabufSync accepts syncs for any live resource so guests that flush
// unconditionally keep working.
func (b *Bridge) cmdDmabufSync(request []byte) []byte {
	id, err := parseIDRequest(request)
	if err != nil {
		return headerResponse(BRIDGE_RESP_ERR)
	}
	if b.resources.find(id) == nil {
		return headerResponse(BRIDGE_RESP_INVALID_ID)
	}
	return headerResponse(BRIDGE_RESP_OK)
}

// armWait registers the readiness callback for a channel endpoint.
// Caller holds b.mu. A no-op when a wait is already armed.
func (b *Bridge) armWait(id uint32, ep *channelEndpoint) error {
	if ep.cancel != nil {
		return nil
	}
	cancel, err := ep.ch.WaitAsync(func(sig host.Signals) {
		b.onChannelSignal(id, sig)
	})
	if err != nil {
		return err
	}
	ep.cancel = cancel
	return nil
}

// onChannelSignal runs on a watcher goroutine when an armed wait fires.
func (b *Bridge) onChannelSignal(id uint32, sig host.Signals) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trace.Writef("virtio-bridge.signal", "id=%#x signals=%#x", id, sig)

	ep, ok := b.resources.find(id).(*channelEndpoint)
	if !ok {
		// Raced with a close; the registration died with the resource.
		return
	}

	// The wait fired once and is spent.
	if ep.cancel != nil {
		ep.cancel()
		ep.cancel = nil
	}

	sig &= host.SignalReadable | host.SignalPeerClosed
	if sig == 0 {
		if err := b.armWait(id, ep); err != nil {
			slog.Warn("virtio-bridge: rearm wait", "id", fmt.Sprintf("%#x", id), "err", err)
		}
		return
	}

	b.ready.add(id, sig)
	b.drainReady(b.Device())
}

// drainReady moves pending channel messages and hangups into guest
// receive buffers, one message per descriptor. Caller holds b.mu. The
// pass ends when the ready set empties, descriptors run out, or a frame
// cannot be delivered safely; whatever remains flows on the next queue
// notify or signal.
func (b *Bridge) drainReady(dev device) {
	if dev == nil {
		return
	}
	q := dev.queue(bridgeQueueIn)
	if !QueueReady(q) {
		return
	}

	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		slog.Warn("virtio-bridge: read avail state", "err", err)
		return
	}

	var (
		delivered bool
		held      bool
		head      uint16
		capacity  uint32
	)

	consume := func(written uint32) {
		if err := dev.recordUsedElement(q, head, written); err != nil {
			slog.Warn("virtio-bridge: record used element", "err", err)
		}
		q.lastAvailIdx++
		held = false
		delivered = true
	}

	for {
		if b.ready.empty() {
			if held {
				// A stale wakeup emptied the set after a buffer was
				// already claimed; hand it back unused.
				slog.Warn("virtio-bridge: ready set drained with receive buffer in hand")
				consume(0)
			}
			break
		}

		if !held {
			if q.lastAvailIdx == availIdx {
				break
			}
			h, err := dev.readAvailEntry(q, q.lastAvailIdx%q.size)
			if err != nil {
				slog.Warn("virtio-bridge: read avail entry", "err", err)
				break
			}
			head = h

			space, err := WritableChainCapacity(dev, q, head)
			if err != nil {
				// The guest posted an unusable chain; consume it and
				// stop so the queue keeps moving.
				slog.Warn("virtio-bridge: bad receive chain", "err", err)
				consume(0)
				break
			}
			capacity = space
			held = true
		}

		id, sig := b.ready.head()

		ep, ok := b.resources.find(id).(*channelEndpoint)
		if !ok {
			// Closed or replaced since the wakeup; drop the entry and
			// keep the buffer for the next one.
			b.ready.remove(id)
			continue
		}

		if sig == host.SignalPeerClosed {
			frame := hangupFrame(id)
			if capacity < uint32(len(frame)) {
				break
			}
			written, _, err := FillDescriptorChain(dev, q, head, frame)
			if err != nil {
				slog.Warn("virtio-bridge: write hangup frame", "err", err)
				break
			}
			trace.Writef("virtio-bridge.hup", "id=%#x", id)
			consume(written)
			b.ready.remove(id)
			continue
		}

		if sig&host.SignalReadable == 0 {
			panic(fmt.Sprintf("virtio-bridge: ready entry %#x has signals %#x", id, sig))
		}

		dataLen, handleCount, err := ep.ch.Peek()
		if err != nil {
			if errors.Is(err, host.ErrPeerClosed) {
				// The message evaporated with the peer; deliver the
				// hangup instead.
				b.ready.demote(id)
				continue
			}
			slog.Warn("virtio-bridge: peek failed", "id", fmt.Sprintf("%#x", id), "err", err)
			break
		}

		if need := recvFrameBytes(handleCount, dataLen); uint32(need) > capacity {
			// The guest must post a bigger buffer before this message
			// can move.
			trace.Writef("virtio-bridge.recv", "frame %d exceeds buffer %d", need, capacity)
			break
		}

		msg, err := ep.ch.Recv()
		if err != nil {
			slog.Warn("virtio-bridge: recv failed", "id", fmt.Sprintf("%#x", id), "err", err)
			break
		}

		frame, ok := b.buildRecvFrame(id, msg)
		if !ok {
			break
		}

		written, _, err := FillDescriptorChain(dev, q, head, frame)
		if err != nil {
			slog.Warn("virtio-bridge: write receive frame", "err", err)
			break
		}
		consume(written)

		if remaining := b.ready.clearSignal(id, host.SignalReadable); remaining == 0 {
			b.ready.remove(id)
			if err := b.armWait(id, ep); err != nil {
				slog.Warn("virtio-bridge: rearm wait", "id", fmt.Sprintf("%#x", id), "err", err)
			}
		}
	}

	if delivered {
		dev.raiseInterrupt(bridgeInterruptBit)
	}
	if QueueReady(q) {
		dev.setAvailEvent(q, q.lastAvailIdx)
	}
}

// buildRecvFrame classifies one inbound message's handles, mints
// host-namespace resources for them, and lays out the records, receive
// header, id list, and payload. On any classification failure everything
// created for the message is torn down and the message is dropped.
func (b *Bridge) buildRecvFrame(srcID uint32, msg host.Message) ([]byte, bool) {
	type minted struct {
		res   resource
		flags uint32
		pfn   uint64
		size  uint64
	}
	created := make([]minted, 0, len(msg.Handles))

	fail := func(next int) ([]byte, bool) {
		for _, m := range created {
			m.res.destroy()
		}
		host.CloseHandles(msg.Handles[next:])
		return nil, false
	}

	for i, h := range msg.Handles {
		kind, err := h.Kind()
		if err != nil {
			slog.Warn("virtio-bridge: handle kind query failed", "err", err)
			h.Close()
			return fail(i + 1)
		}

		switch kind {
		case host.KindMemory:
			mem, err := b.provider.AdoptMemory(h)
			if err != nil {
				slog.Warn("virtio-bridge: adopt inbound memory", "err", err)
				h.Close()
				return fail(i + 1)
			}
			alloc, err := b.window.Allocate(hv.MMIOAllocationRequest{
				Name: "bridge-recv-mem",
				Size: mem.Size(),
			})
			if err != nil {
				slog.Warn("virtio-bridge: guest window allocation failed", "size", mem.Size(), "err", err)
				mem.Close()
				return fail(i + 1)
			}
			created = append(created, minted{
				res:   &mappedMemory{mem: mem, guestBase: alloc.Base, window: b.window},
				flags: BRIDGE_RESOURCE_F_READ | BRIDGE_RESOURCE_F_WRITE,
				pfn:   alloc.Base >> 12,
				size:  mem.Size(),
			})
		case host.KindPipe:
			created = append(created, minted{
				res:   &dataPipe{transfer: h},
				flags: BRIDGE_RESOURCE_F_READ,
			})
		default:
			// Channels and unknown kinds do not transit into the guest.
			slog.Warn("virtio-bridge: rejecting inbound handle", "kind", kind.String())
			h.Close()
			return fail(i + 1)
		}
	}

	ids := make([]uint32, len(created))
	for i, m := range created {
		id := b.mintHostID()
		if !b.resources.insert(id, m.res) {
			panic(fmt.Sprintf("virtio-bridge: duplicate host id %#x", id))
		}
		ids[i] = id
	}

	frame := make([]byte, recvFrameBytes(len(created), len(msg.Data)))
	off := 0
	for i, m := range created {
		putResourceRecord(frame[off:], BRIDGE_RESP_RESOURCE_NEW, ids[i], m.flags, m.pfn, m.size)
		off += bridgeNewRecordSize
	}
	putBridgeHeader(frame[off:], bridgeHeader{Type: BRIDGE_CMD_RECV})
	binary.LittleEndian.PutUint32(frame[off+8:], srcID)
	binary.LittleEndian.PutUint32(frame[off+12:], uint32(len(created)))
	off += bridgeRecvFixedSize
	for _, id := range ids {
		binary.LittleEndian.PutUint32(frame[off:], id)
		off += 4
	}
	copy(frame[off:], msg.Data)

	trace.Writef("virtio-bridge.recv", "id=%#x handles=%d payload=%d", srcID, len(created), len(msg.Data))
	return frame, true
}

// mintHostID returns the next id in the host half of the namespace.
// Ids are never reused, even across device resets.
func (b *Bridge) mintHostID() uint32 {
	id := b.nextHostID
	b.nextHostID++
	return id
}

// Stop implements Stoppable.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resources.clear()
	b.ready = newReadySet()
	return nil
}

type bridgeSnapshot struct {
	Arch       hv.CpuArchitecture
	Base       uint64
	Size       uint64
	IRQLine    uint32
	NextHostID uint32
	WindowBase uint64
	WindowSize uint64
	MMIO       MMIODeviceSnapshot
}

// DeviceId implements hv.DeviceSnapshotter.
func (b *Bridge) DeviceId() string {
	return "virtio-bridge"
}

// CaptureSnapshot implements hv.DeviceSnapshotter. Live resources wrap
// host OS objects that cannot be serialized, so capture requires an
// empty table.
func (b *Bridge) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := b.resources.count(); n > 0 {
		return nil, fmt.Errorf("virtio-bridge: %d live resources cannot be snapshotted", n)
	}

	mmio, ok := b.Device().(*mmioDevice)
	if !ok {
		return nil, fmt.Errorf("virtio-bridge: device not initialized")
	}

	return &bridgeSnapshot{
		Arch:       b.Arch(),
		Base:       b.Base(),
		Size:       b.Size(),
		IRQLine:    b.IRQLine(),
		NextHostID: b.nextHostID,
		WindowBase: b.window.Base(),
		WindowSize: b.window.Size(),
		MMIO:       mmio.CaptureMMIOSnapshot(),
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (b *Bridge) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	s, ok := snap.(*bridgeSnapshot)
	if !ok {
		return fmt.Errorf("virtio-bridge: invalid snapshot type %T", snap)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.RestoreBase(s.Arch, s.Base, s.Size, s.IRQLine)
	b.SyncToTransport()
	b.nextHostID = s.NextHostID
	b.window = hv.NewAddressSpace(s.WindowBase, s.WindowSize)

	mmio, ok := b.Device().(*mmioDevice)
	if !ok {
		return fmt.Errorf("virtio-bridge: device not initialized")
	}
	if err := mmio.RestoreMMIOSnapshot(s.MMIO); err != nil {
		return err
	}
	mmio.shmRegions = []SharedMemoryRegion{{Base: s.WindowBase, Size: s.WindowSize}}
	return nil
}

var (
	_ hv.MemoryMappedIODevice = (*Bridge)(nil)
	_ deviceHandler           = (*Bridge)(nil)
	_ hv.DeviceSnapshotter    = (*Bridge)(nil)
	_ Stoppable               = (*Bridge)(nil)
)
