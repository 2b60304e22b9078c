package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/vbridge/internal/fdt"
	"gopkg.in/yaml.v3"
)

// Scenario scripts one simulated bridge session: the machine shape, the
// operations to run in order, and optional debug and device-tree extras.
type Scenario struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name,omitempty"`
	Arch    string `yaml:"arch,omitempty"`

	MemoryMB           uint64 `yaml:"memoryMB,omitempty"`
	ReceiveBuffers     int    `yaml:"receiveBuffers,omitempty"`
	ReceiveBufferBytes uint32 `yaml:"receiveBufferBytes,omitempty"`

	Steps []Step `yaml:"steps"`

	Debug      *DebugConfig      `yaml:"debug,omitempty"`
	DeviceTree *DeviceTreeConfig `yaml:"deviceTree,omitempty"`
}

// Step is one scripted operation against the bridge. The guest-side ops
// mirror the driver calls; host-send and host-close act on the host end
// of a channel the guest opened earlier.
type Step struct {
	Op string `yaml:"op"`

	ID      uint32   `yaml:"id,omitempty"`
	Size    uint32   `yaml:"size,omitempty"`
	Attach  []uint32 `yaml:"attach,omitempty"`
	Payload string   `yaml:"payload,omitempty"`

	// WithMemory attaches a fresh shared-memory handle of this size to a
	// host-send.
	WithMemory uint32 `yaml:"withMemory,omitempty"`

	// Expect selects what a recv step accepts: message or hangup.
	Expect string `yaml:"expect,omitempty"`

	// MustFail inverts the step outcome.
	MustFail bool `yaml:"mustFail,omitempty"`
}

type DebugConfig struct {
	Watch  []WatchConfig `yaml:"watch,omitempty"`
	Faults []FaultConfig `yaml:"faults,omitempty"`
}

// WatchConfig installs one hardware watchpoint before the fault replay.
type WatchConfig struct {
	Address uint64 `yaml:"address"`
	Size    uint64 `yaml:"size,omitempty"`
	Kind    string `yaml:"kind,omitempty"` // write or readwrite
}

// FaultConfig replays one recorded debug exit against the installed
// watchpoints. Code holds hex-encoded instruction bytes fetched at PC.
type FaultConfig struct {
	Address uint64 `yaml:"address"`
	PC      uint64 `yaml:"pc,omitempty"`
	Code    string `yaml:"code,omitempty"`
}

type DeviceTreeConfig struct {
	ExtraNodes []fdt.Node `yaml:"extraNodes,omitempty"`
}

var stepOps = map[string]bool{
	"new":            true,
	"new-ctx":        true,
	"new-pipe":       true,
	"new-dmabuf":     true,
	"close":          true,
	"close-received": true,
	"send":           true,
	"host-send":      true,
	"host-close":     true,
	"recv":           true,
	"sync-dmabuf":    true,
}

func (s *Scenario) normalize() {
	if s.Name == "" {
		s.Name = "unnamed"
	}
	if s.Arch == "" {
		s.Arch = "x86_64"
	}
	if s.MemoryMB == 0 {
		s.MemoryMB = 64
	}
	if s.ReceiveBuffers == 0 {
		s.ReceiveBuffers = 4
	}
	if s.ReceiveBufferBytes == 0 {
		s.ReceiveBufferBytes = 4096
	}
	for i := range s.Steps {
		if s.Steps[i].Op == "recv" && s.Steps[i].Expect == "" {
			s.Steps[i].Expect = "message"
		}
	}
}

func (s *Scenario) validate() error {
	if s.Version != 1 {
		return fmt.Errorf("unsupported scenario version %d", s.Version)
	}
	switch s.Arch {
	case "x86_64", "arm64":
	default:
		return fmt.Errorf("unknown arch %q", s.Arch)
	}
	if s.MemoryMB < 8 {
		return fmt.Errorf("memoryMB %d is below the 8 MB minimum", s.MemoryMB)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, step := range s.Steps {
		if !stepOps[step.Op] {
			return fmt.Errorf("step %d: unknown op %q", i, step.Op)
		}
		if step.Op == "recv" && step.Expect != "message" && step.Expect != "hangup" {
			return fmt.Errorf("step %d: unknown expect %q", i, step.Expect)
		}
	}
	if s.Debug != nil {
		for i, w := range s.Debug.Watch {
			switch w.Kind {
			case "", "write", "readwrite":
			default:
				return fmt.Errorf("watch %d: unknown kind %q", i, w.Kind)
			}
		}
	}
	if s.DeviceTree != nil {
		for i, node := range s.DeviceTree.ExtraNodes {
			if err := node.Validate(); err != nil {
				return fmt.Errorf("extra device tree node %d: %w", i, err)
			}
		}
	}
	return nil
}

// LoadScenario reads and checks a scenario file.
func LoadScenario(filename string) (*Scenario, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	s.normalize()
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &s, nil
}

// defaultScenario is the built-in smoke run: every resource kind, both
// transfer directions, a hangup, a watchpoint replay, and a shutdown
// clean enough to snapshot afterwards.
func defaultScenario() *Scenario {
	s := &Scenario{
		Version: 1,
		Name:    "smoke",
		Steps: []Step{
			{Op: "new", ID: 1, Size: 4096},
			{Op: "new-pipe", ID: 3},
			{Op: "new-ctx", ID: 2},
			{Op: "host-send", ID: 2, Payload: "ping"},
			{Op: "recv", ID: 2},
			{Op: "send", ID: 2, Payload: "pong"},
			{Op: "send", ID: 2, Attach: []uint32{1, 3}, Payload: "attachments"},
			{Op: "host-send", ID: 2, Payload: "shared", WithMemory: 8192},
			{Op: "recv", ID: 2},
			{Op: "sync-dmabuf", ID: 1},
			{Op: "new-dmabuf", ID: 4, Size: 4096, MustFail: true},
			{Op: "host-close", ID: 2},
			{Op: "recv", ID: 2, Expect: "hangup"},
			{Op: "close-received"},
			{Op: "close", ID: 3},
			{Op: "close", ID: 2},
			{Op: "close", ID: 1},
		},
		Debug: &DebugConfig{
			Watch: []WatchConfig{
				{Address: 0x1000, Size: 4, Kind: "write"},
				{Address: 0x2000, Size: 8, Kind: "readwrite"},
			},
			Faults: []FaultConfig{
				// mov %eax, 0x1000
				{Address: 0x1002, PC: 0x401000, Code: "89042500100000"},
				{Address: 0x3000},
			},
		},
	}
	s.normalize()
	return s
}
