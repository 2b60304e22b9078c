package fdt

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

type parsedProp struct {
	name string
	data []byte
}

type parsedNode struct {
	name  string
	props []parsedProp
}

func align4(v int) int {
	return (v + 3) &^ 3
}

// parseBlob checks the header and walks the structure block, returning
// nodes in document order with their properties resolved against the
// string block.
func parseBlob(t *testing.T, blob []byte) []parsedNode {
	t.Helper()

	if len(blob) < 40 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != 0xd00dfeed {
		t.Fatalf("magic = %#x, want 0xd00dfeed", magic)
	}
	if total := binary.BigEndian.Uint32(blob[4:8]); int(total) != len(blob) {
		t.Fatalf("totalsize = %d, want %d", total, len(blob))
	}
	if version := binary.BigEndian.Uint32(blob[20:24]); version != 17 {
		t.Fatalf("version = %d, want 17", version)
	}
	if compat := binary.BigEndian.Uint32(blob[24:28]); compat != 16 {
		t.Fatalf("last compatible version = %d, want 16", compat)
	}

	offStruct := int(binary.BigEndian.Uint32(blob[8:12]))
	offStrings := int(binary.BigEndian.Uint32(blob[12:16]))
	sizeStrings := int(binary.BigEndian.Uint32(blob[32:36]))
	sizeStruct := int(binary.BigEndian.Uint32(blob[36:40]))
	if offStrings != offStruct+sizeStruct {
		t.Fatalf("strings block at %#x, want %#x", offStrings, offStruct+sizeStruct)
	}
	if offStrings+sizeStrings != len(blob) {
		t.Fatalf("strings block ends at %#x, want %#x", offStrings+sizeStrings, len(blob))
	}
	strBlock := blob[offStrings : offStrings+sizeStrings]

	var nodes []parsedNode
	var stack []int
	pos := offStruct
	end := offStruct + sizeStruct
	for pos < end {
		token := binary.BigEndian.Uint32(blob[pos : pos+4])
		pos += 4
		switch token {
		case 0x1:
			nameLen := bytes.IndexByte(blob[pos:end], 0)
			if nameLen < 0 {
				t.Fatalf("unterminated node name at %#x", pos)
			}
			stack = append(stack, len(nodes))
			nodes = append(nodes, parsedNode{name: string(blob[pos : pos+nameLen])})
			pos = align4(pos + nameLen + 1)
		case 0x2:
			if len(stack) == 0 {
				t.Fatalf("unbalanced end-node token at %#x", pos-4)
			}
			stack = stack[:len(stack)-1]
		case 0x3:
			dataLen := int(binary.BigEndian.Uint32(blob[pos : pos+4]))
			nameOff := int(binary.BigEndian.Uint32(blob[pos+4 : pos+8]))
			pos += 8
			data := append([]byte(nil), blob[pos:pos+dataLen]...)
			pos = align4(pos + dataLen)
			nameLen := bytes.IndexByte(strBlock[nameOff:], 0)
			if nameLen < 0 {
				t.Fatalf("unterminated property name at string offset %d", nameOff)
			}
			cur := stack[len(stack)-1]
			nodes[cur].props = append(nodes[cur].props, parsedProp{
				name: string(strBlock[nameOff : nameOff+nameLen]),
				data: data,
			})
		case 0x9:
			if pos != end {
				t.Fatalf("end token at %#x, want %#x", pos-4, end-4)
			}
			if len(stack) != 0 {
				t.Fatalf("%d unterminated nodes at end token", len(stack))
			}
			return nodes
		default:
			t.Fatalf("unknown token %#x at %#x", token, pos-4)
		}
	}
	t.Fatalf("structure block missing end token")
	return nil
}

func TestBuildEncodesProperties(t *testing.T) {
	root := Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"compatible":     {Strings: []string{"test,board"}},
		},
		Children: []Node{
			{
				Name: "virtio@d0004000",
				Properties: map[string]Property{
					"compatible":   {Strings: []string{"virtio,mmio", "virtio,device"}},
					"reg":          {U64: []uint64{0xd0004000, 0x200}},
					"interrupts":   {U32: []uint32{0, 44, 4}},
					"dma-coherent": {Flag: true},
					"local-mac":    {Bytes: []byte{0xde, 0xad, 0xbe}},
				},
			},
		},
	}

	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	nodes := parseBlob(t, blob)
	if len(nodes) != 2 {
		t.Fatalf("parsed %d nodes, want 2", len(nodes))
	}
	if nodes[0].name != "" {
		t.Errorf("root name = %q, want empty", nodes[0].name)
	}
	if nodes[1].name != "virtio@d0004000" {
		t.Errorf("child name = %q, want virtio@d0004000", nodes[1].name)
	}

	want := []parsedProp{
		{"compatible", []byte("virtio,mmio\x00virtio,device\x00")},
		{"dma-coherent", nil},
		{"interrupts", []byte{0, 0, 0, 0, 0, 0, 0, 44, 0, 0, 0, 4}},
		{"local-mac", []byte{0xde, 0xad, 0xbe}},
		{"reg", []byte{0, 0, 0, 0, 0xd0, 0x00, 0x40, 0x00, 0, 0, 0, 0, 0, 0, 0x02, 0x00}},
	}
	got := nodes[1].props
	if len(got) != len(want) {
		t.Fatalf("child has %d properties, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].name != want[i].name {
			t.Errorf("prop %d name = %q, want %q (sorted order)", i, got[i].name, want[i].name)
		}
		if !bytes.Equal(got[i].data, want[i].data) {
			t.Errorf("prop %q data = %x, want %x", got[i].name, got[i].data, want[i].data)
		}
	}

	rootProps := nodes[0].props
	if len(rootProps) != 2 || rootProps[0].name != "#address-cells" || rootProps[1].name != "compatible" {
		t.Errorf("root properties = %v, want sorted #address-cells, compatible", rootProps)
	}
	if !bytes.Equal(rootProps[0].data, []byte{0, 0, 0, 2}) {
		t.Errorf("#address-cells data = %x, want 00000002", rootProps[0].data)
	}
}

func TestBuildSharesPropertyNames(t *testing.T) {
	root := Node{
		Children: []Node{
			{Name: "a", Properties: map[string]Property{"reg": {U64: []uint64{0, 1}}}},
			{Name: "b", Properties: map[string]Property{"reg": {U64: []uint64{2, 3}}}},
		},
	}
	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sizeStrings := binary.BigEndian.Uint32(blob[32:36])
	if sizeStrings != uint32(len("reg")+1) {
		t.Errorf("strings block = %d bytes, want %d (shared name)", sizeStrings, len("reg")+1)
	}
}

func TestBuildRejectsMalformedProperties(t *testing.T) {
	_, err := Build(Node{
		Children: []Node{
			{Name: "bad", Properties: map[string]Property{
				"reg": {U32: []uint32{1}, U64: []uint64{2}},
			}},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "mixes value kinds") {
		t.Errorf("mixed kinds error = %v, want mention of mixed kinds", err)
	}

	_, err = Build(Node{
		Properties: map[string]Property{"empty": {}},
	})
	if err == nil || !strings.Contains(err.Error(), "no value") {
		t.Errorf("empty property error = %v, want mention of missing value", err)
	}
}

func TestValidateReportsPath(t *testing.T) {
	root := Node{
		Children: []Node{
			{
				Name: "soc",
				Children: []Node{
					{
						Name: "virtio@0",
						Properties: map[string]Property{
							"reg": {},
						},
					},
				},
			},
		},
	}
	err := root.Validate()
	if err == nil {
		t.Fatal("Validate returned nil for empty property")
	}
	if !strings.Contains(err.Error(), "/soc/virtio@0") {
		t.Errorf("error = %v, want path /soc/virtio@0", err)
	}

	err = Node{Children: []Node{{}}}.Validate()
	if err == nil || !strings.Contains(err.Error(), "empty name") {
		t.Errorf("unnamed child error = %v, want mention of empty name", err)
	}

	ok := Node{
		Properties: map[string]Property{"model": {Strings: []string{"bridge-sim"}}},
		Children:   []Node{{Name: "memory@40000000"}},
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate on well-formed tree: %v", err)
	}
}
