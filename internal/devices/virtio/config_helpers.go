package virtio

import "encoding/binary"

// ReadConfigWindow serves device config space reads from a byte image.
// Offsets below the config window are not handled; offsets past the end
// of the image read as zero. Short tails are zero padded so narrow reads
// near the end stay valid.
func ReadConfigWindow(offset uint64, config []byte) (uint32, bool, error) {
	if offset < VIRTIO_MMIO_CONFIG {
		return 0, false, nil
	}

	rel := offset - VIRTIO_MMIO_CONFIG
	if rel >= uint64(len(config)) {
		return 0, true, nil
	}

	var word [4]byte
	copy(word[:], config[rel:])
	return binary.LittleEndian.Uint32(word[:]), true, nil
}

// WriteConfigNoop accepts and discards config space writes for devices
// whose config is read-only.
func WriteConfigNoop(offset uint64) (bool, error) {
	return offset >= VIRTIO_MMIO_CONFIG, nil
}
