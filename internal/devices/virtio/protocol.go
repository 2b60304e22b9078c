package virtio

import (
	"encoding/binary"
	"fmt"
)

// Bridge wire protocol. Commands travel guest to host on the out queue,
// notifications host to guest on the in queue. Every message starts with
// an 8-byte header and all fields are little-endian.
const (
	BRIDGE_CMD_NEW         = 0x100 // create shared memory, mapped into the guest window
	BRIDGE_CMD_CLOSE       = 0x101 // destroy a resource by id
	BRIDGE_CMD_SEND        = 0x102 // send payload plus attached resources over a channel
	BRIDGE_CMD_RECV        = 0x103 // host to guest: delivered message header
	BRIDGE_CMD_NEW_CTX     = 0x104 // create a channel, peer end handed to the host
	BRIDGE_CMD_NEW_PIPE    = 0x105 // create a byte pipe
	BRIDGE_CMD_HUP         = 0x106 // host to guest: channel peer closed
	BRIDGE_CMD_NEW_DMABUF  = 0x107 // create a dma-buf (not supported here)
	BRIDGE_CMD_DMABUF_SYNC = 0x108 // flush a dma-buf (accepted as a no-op)

	BRIDGE_RESP_OK           = 0x1000 // command completed
	BRIDGE_RESP_RESOURCE_NEW = 0x1001 // resource record follows the header
	BRIDGE_RESP_ERR          = 0x1100 // malformed or failed command
	BRIDGE_RESP_NO_MEMORY    = 0x1101 // allocation or mapping failed
	BRIDGE_RESP_INVALID_ID   = 0x1102 // id unknown, colliding, or outside the caller's namespace
	BRIDGE_RESP_INVALID_CMD  = 0x1105 // unknown or unsupported command type

	BRIDGE_RESOURCE_F_WRITE = 0x1
	BRIDGE_RESOURCE_F_READ  = 0x2

	// Resource ids with this bit set are minted by the host; the guest
	// allocates from the lower half of the namespace.
	BRIDGE_HOST_ID_BIT = 0x80000000
)

const (
	bridgeHdrSize       = 8  // type u32, flags u32
	bridgeIDMsgSize     = 12 // header + id
	bridgeNewReqSize    = 16 // header + id + size
	bridgeNewRecordSize = 32 // header + id + flags + pfn u64 + size u64
	bridgeSendFixedSize = 16 // header + id + count, then count ids and payload
	bridgeRecvFixedSize = 16 // header + id + count, then count ids and payload
)

type bridgeHeader struct {
	Type  uint32
	Flags uint32
}

func parseBridgeHeader(data []byte) (bridgeHeader, error) {
	if len(data) < bridgeHdrSize {
		return bridgeHeader{}, fmt.Errorf("message too short for header: %d bytes", len(data))
	}
	return bridgeHeader{
		Type:  binary.LittleEndian.Uint32(data[0:4]),
		Flags: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func putBridgeHeader(buf []byte, hdr bridgeHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Type)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Flags)
}

// parseNewRequest decodes the shared shape of the NEW family: header, the
// guest-chosen id, and a size field that only NEW itself uses.
func parseNewRequest(data []byte) (id uint32, size uint32, err error) {
	if len(data) < bridgeNewReqSize {
		return 0, 0, fmt.Errorf("new request too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[8:12]), binary.LittleEndian.Uint32(data[12:16]), nil
}

// parseIDRequest decodes a header-plus-id message (CLOSE, DMABUF_SYNC).
func parseIDRequest(data []byte) (uint32, error) {
	if len(data) < bridgeIDMsgSize {
		return 0, fmt.Errorf("id request too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[8:12]), nil
}

// parseSendRequest decodes a SEND: target id, attached resource ids, and
// the payload that follows them.
func parseSendRequest(data []byte) (id uint32, attached []uint32, payload []byte, err error) {
	if len(data) < bridgeSendFixedSize {
		return 0, nil, nil, fmt.Errorf("send request too short: %d bytes", len(data))
	}

	id = binary.LittleEndian.Uint32(data[8:12])
	count := binary.LittleEndian.Uint32(data[12:16])

	end := uint64(bridgeSendFixedSize) + uint64(count)*4
	if end > uint64(len(data)) {
		return 0, nil, nil, fmt.Errorf("send request truncated: %d ids, %d bytes", count, len(data))
	}

	attached = make([]uint32, count)
	for i := range attached {
		attached[i] = binary.LittleEndian.Uint32(data[bridgeSendFixedSize+i*4:])
	}

	return id, attached, data[end:], nil
}

// putResourceRecord fills one 32-byte resource record.
func putResourceRecord(buf []byte, typ, id, flags uint32, pfn, size uint64) {
	putBridgeHeader(buf, bridgeHeader{Type: typ})
	binary.LittleEndian.PutUint32(buf[8:12], id)
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	binary.LittleEndian.PutUint64(buf[16:24], pfn)
	binary.LittleEndian.PutUint64(buf[24:32], size)
}

// resourceRecord is the decoded form of a 32-byte resource record.
type resourceRecord struct {
	Type  uint32
	ID    uint32
	Flags uint32
	PFN   uint64
	Size  uint64
}

func parseResourceRecord(data []byte) (resourceRecord, error) {
	if len(data) < bridgeNewRecordSize {
		return resourceRecord{}, fmt.Errorf("resource record too short: %d bytes", len(data))
	}
	return resourceRecord{
		Type:  binary.LittleEndian.Uint32(data[0:4]),
		ID:    binary.LittleEndian.Uint32(data[8:12]),
		Flags: binary.LittleEndian.Uint32(data[12:16]),
		PFN:   binary.LittleEndian.Uint64(data[16:24]),
		Size:  binary.LittleEndian.Uint64(data[24:32]),
	}, nil
}

func headerResponse(typ uint32) []byte {
	buf := make([]byte, bridgeHdrSize)
	putBridgeHeader(buf, bridgeHeader{Type: typ})
	return buf
}

func newResourceResponse(id, flags uint32, pfn, size uint64) []byte {
	buf := make([]byte, bridgeNewRecordSize)
	putResourceRecord(buf, BRIDGE_RESP_RESOURCE_NEW, id, flags, pfn, size)
	return buf
}

// recvFrameBytes is the size of a delivered message frame: one resource
// record per transferred handle, then the receive header with its id
// list, then the payload.
func recvFrameBytes(handleCount, payloadLen int) int {
	return handleCount*bridgeNewRecordSize + bridgeRecvFixedSize + handleCount*4 + payloadLen
}

func hangupFrame(id uint32) []byte {
	buf := make([]byte, bridgeIDMsgSize)
	putBridgeHeader(buf, bridgeHeader{Type: BRIDGE_CMD_HUP})
	binary.LittleEndian.PutUint32(buf[8:12], id)
	return buf
}

func bridgeTypeString(typ uint32) string {
	switch typ {
	case BRIDGE_CMD_NEW:
		return "NEW"
	case BRIDGE_CMD_CLOSE:
		return "CLOSE"
	case BRIDGE_CMD_SEND:
		return "SEND"
	case BRIDGE_CMD_RECV:
		return "RECV"
	case BRIDGE_CMD_NEW_CTX:
		return "NEW_CTX"
	case BRIDGE_CMD_NEW_PIPE:
		return "NEW_PIPE"
	case BRIDGE_CMD_HUP:
		return "HUP"
	case BRIDGE_CMD_NEW_DMABUF:
		return "NEW_DMABUF"
	case BRIDGE_CMD_DMABUF_SYNC:
		return "DMABUF_SYNC"
	case BRIDGE_RESP_OK:
		return "OK"
	case BRIDGE_RESP_RESOURCE_NEW:
		return "RESOURCE_NEW"
	case BRIDGE_RESP_ERR:
		return "ERR"
	case BRIDGE_RESP_NO_MEMORY:
		return "NO_MEMORY"
	case BRIDGE_RESP_INVALID_ID:
		return "INVALID_ID"
	case BRIDGE_RESP_INVALID_CMD:
		return "INVALID_CMD"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", typ)
	}
}
