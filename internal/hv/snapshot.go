package hv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// Architecture encoding for snapshot files
const (
	SnapshotArchInvalid uint32 = 0
	SnapshotArchX86_64  uint32 = 1
	SnapshotArchARM64   uint32 = 2
)

// ArchToSnapshotArch converts a CpuArchitecture to its snapshot file encoding.
func ArchToSnapshotArch(arch CpuArchitecture) uint32 {
	switch arch {
	case ArchitectureX86_64:
		return SnapshotArchX86_64
	case ArchitectureARM64:
		return SnapshotArchARM64
	default:
		return SnapshotArchInvalid
	}
}

// SnapshotArchToArch converts a snapshot file architecture encoding to CpuArchitecture.
func SnapshotArchToArch(arch uint32) CpuArchitecture {
	switch arch {
	case SnapshotArchX86_64:
		return ArchitectureX86_64
	case SnapshotArchARM64:
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// SnapshotHeader prefixes a serialized device snapshot on disk. The config
// hash ties the snapshot to the device layout it was captured under.
type SnapshotHeader struct {
	Magic      uint32
	Version    uint32
	Arch       uint32
	ConfigHash VMConfigHash
}

func WriteSnapshotHeader(w io.Writer, arch CpuArchitecture, hash VMConfigHash) error {
	hdr := SnapshotHeader{
		Magic:      SnapshotMagic,
		Version:    SnapshotVersion,
		Arch:       ArchToSnapshotArch(arch),
		ConfigHash: hash,
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("hv: write snapshot header: %w", err)
	}
	return nil
}

// ReadSnapshotHeader consumes and validates a snapshot header. The snapshot
// is only usable if it was captured on the same architecture with the same
// configuration.
func ReadSnapshotHeader(r io.Reader, wantArch CpuArchitecture, wantHash VMConfigHash) error {
	var hdr SnapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("hv: read snapshot header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return fmt.Errorf("hv: snapshot: bad magic 0x%x", hdr.Magic)
	}
	if hdr.Version != SnapshotVersion {
		return fmt.Errorf("hv: snapshot: unsupported version %d", hdr.Version)
	}
	if got := SnapshotArchToArch(hdr.Arch); got != wantArch {
		return fmt.Errorf("hv: snapshot: captured on %s, restoring on %s", got, wantArch)
	}
	if hdr.ConfigHash != wantHash {
		return fmt.Errorf("hv: snapshot: configuration changed since capture")
	}
	return nil
}
