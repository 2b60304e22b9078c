package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// VMConfigHash represents a hash of VM configuration for snapshot validation.
// A snapshot can only be restored under the same config hash.
type VMConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32
}

// ComputeConfigHash computes a deterministic hash of the VM configuration.
// Device order matters.
func ComputeConfigHash(arch CpuArchitecture, memBase, memSize uint64, deviceConfigs []DeviceConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(arch))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], memBase)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], memSize)
	h.Write(buf[:])

	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], dc.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], dc.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:4], dc.IRQLine)
		h.Write(buf[:4])
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}
