// Package fdt builds flattened device tree blobs for describing the
// virtual machine layout to a guest.
package fdt

import "fmt"

// Property holds a single device-tree property value. Exactly one of
// the typed fields may be populated; the YAML tags allow nodes to be
// declared directly in scenario files.
type Property struct {
	Strings []string `yaml:"strings,omitempty"`
	U32     []uint32 `yaml:"u32,omitempty"`
	U64     []uint64 `yaml:"u64,omitempty"`
	Bytes   []byte   `yaml:"bytes,omitempty"`
	Flag    bool     `yaml:"flag,omitempty"`
}

// DefinedCount reports how many of the typed fields are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node is a device-tree node. The root node of a tree has an empty
// name; every other node needs one.
type Node struct {
	Name       string              `yaml:"name"`
	Properties map[string]Property `yaml:"properties,omitempty"`
	Children   []Node              `yaml:"children,omitempty"`
}

// Validate walks the tree and reports the first malformed property or
// unnamed child, identified by its path from the root.
func (n Node) Validate() error {
	return n.validate("/")
}

func (n Node) validate(path string) error {
	for name, prop := range n.Properties {
		switch prop.DefinedCount() {
		case 0:
			return fmt.Errorf("%s: property %q has no value", path, name)
		case 1:
		default:
			return fmt.Errorf("%s: property %q mixes value kinds", path, name)
		}
	}
	for _, child := range n.Children {
		if child.Name == "" {
			return fmt.Errorf("%s: child node with empty name", path)
		}
		childPath := path + child.Name
		if path != "/" {
			childPath = path + "/" + child.Name
		}
		if err := child.validate(childPath); err != nil {
			return err
		}
	}
	return nil
}
