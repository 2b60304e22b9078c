package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Flattened device tree format, version 17. Every field is big-endian
// regardless of guest byte order.
const (
	headerBytes   = 0x28
	formatVersion = 17
	lastCompatVer = 16
	blobMagic     = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenEnd       = 0x9
)

// Build flattens the tree rooted at root into a DTB blob.
func Build(root Node) ([]byte, error) {
	enc := encoder{nameOff: make(map[string]uint32)}
	if err := enc.node(root); err != nil {
		return nil, err
	}
	enc.token(tokenEnd)
	return enc.blob(), nil
}

type encoder struct {
	tokens  bytes.Buffer
	names   bytes.Buffer
	nameOff map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.token(tokenBeginNode)
	e.tokens.WriteString(n.Name)
	e.tokens.WriteByte(0)
	e.align()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.prop(name, n.Properties[name]); err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}

	e.token(tokenEndNode)
	return nil
}

func (e *encoder) prop(name string, p Property) error {
	var data []byte
	switch {
	case p.DefinedCount() > 1:
		return fmt.Errorf("property %q mixes value kinds", name)
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			data = append(data, s...)
			data = append(data, 0)
		}
	case len(p.U32) > 0:
		data = make([]byte, len(p.U32)*4)
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(data[i*4:], v)
		}
	case len(p.U64) > 0:
		data = make([]byte, len(p.U64)*8)
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(data[i*8:], v)
		}
	case len(p.Bytes) > 0:
		data = p.Bytes
	case p.Flag:
		data = nil
	default:
		return fmt.Errorf("property %q has no value", name)
	}

	e.token(tokenProp)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	binary.BigEndian.PutUint32(hdr[4:8], e.nameOffset(name))
	e.tokens.Write(hdr[:])
	e.tokens.Write(data)
	e.align()
	return nil
}

func (e *encoder) nameOffset(name string) uint32 {
	if off, ok := e.nameOff[name]; ok {
		return off
	}
	off := uint32(e.names.Len())
	e.names.WriteString(name)
	e.names.WriteByte(0)
	e.nameOff[name] = off
	return off
}

func (e *encoder) token(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.tokens.Write(tmp[:])
}

func (e *encoder) align() {
	for e.tokens.Len()%4 != 0 {
		e.tokens.WriteByte(0)
	}
}

// blob lays out header, an empty memory reservation map, the structure
// block, and the string block, in that order.
func (e *encoder) blob() []byte {
	structBlock := e.tokens.Bytes()
	nameBlock := e.names.Bytes()

	offReserve := headerBytes
	offStruct := offReserve + 16
	offNames := offStruct + len(structBlock)
	total := offNames + len(nameBlock)

	blob := make([]byte, total)
	binary.BigEndian.PutUint32(blob[0:4], blobMagic)
	binary.BigEndian.PutUint32(blob[4:8], uint32(total))
	binary.BigEndian.PutUint32(blob[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(blob[12:16], uint32(offNames))
	binary.BigEndian.PutUint32(blob[16:20], uint32(offReserve))
	binary.BigEndian.PutUint32(blob[20:24], formatVersion)
	binary.BigEndian.PutUint32(blob[24:28], lastCompatVer)
	binary.BigEndian.PutUint32(blob[28:32], 0) // boot CPU id
	binary.BigEndian.PutUint32(blob[32:36], uint32(len(nameBlock)))
	binary.BigEndian.PutUint32(blob[36:40], uint32(len(structBlock)))
	copy(blob[offStruct:], structBlock)
	copy(blob[offNames:], nameBlock)
	return blob
}
