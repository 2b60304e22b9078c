// Command vbridge-sim drives a virtio bridge device end to end on the
// in-process machine: it scripts resource and message traffic from a YAML
// scenario, replays recorded faults against hardware watchpoints, emits
// the device tree a real guest would boot with, and exercises the
// snapshot save and restore path.
package main

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/tinyrange/vbridge/internal/debugreg"
	"github.com/tinyrange/vbridge/internal/devices/virtio"
	"github.com/tinyrange/vbridge/internal/fdt"
	"github.com/tinyrange/vbridge/internal/host"
	"github.com/tinyrange/vbridge/internal/hv"
	"github.com/tinyrange/vbridge/internal/hv/sim"
	"github.com/tinyrange/vbridge/internal/timeslice"
	"github.com/tinyrange/vbridge/internal/trace"
	"gopkg.in/yaml.v3"
)

const (
	driverArenaBase = 0x100000
	driverArenaSize = 0x200000
)

type options struct {
	dtbFile     string
	printTree   bool
	snapshotIn  string
	snapshotOut string
}

func archFromName(name string) hv.CpuArchitecture {
	if name == "arm64" {
		return hv.ArchitectureARM64
	}
	return hv.ArchitectureX86_64
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	scenarioFile := fs.String("scenario", "", "scenario YAML to run (default: built-in smoke scenario)")
	dtbFile := fs.String("dtb", "", "write the machine's device tree blob to this file")
	printTree := fs.Bool("tree", false, "print the machine's device tree as YAML")
	snapshotIn := fs.String("snapshot-in", "", "restore bridge state from this snapshot before running")
	snapshotOut := fs.String("snapshot-out", "", "capture bridge state to this snapshot after running")
	timesliceFile := fs.String("timeslice-file", "", "write raw timeslice records to this file")
	cpuprofile := fs.String("cpuprofile", "", "write a CPU profile to this file")
	memprofile := fs.String("memprofile", "", "write a heap profile to this file")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "Set VBRIDGE_TRACE_FILE to capture a trace of the run.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	if filename := os.Getenv("VBRIDGE_TRACE_FILE"); filename != "" {
		if err := trace.OpenFile(filename); err != nil {
			return err
		}
		defer trace.Close()
		trace.Writef("vbridge-sim", "run started")
	}

	scenario := defaultScenario()
	if *scenarioFile != "" {
		var err error
		scenario, err = LoadScenario(*scenarioFile)
		if err != nil {
			return err
		}
	}

	var tsBuf bytes.Buffer
	var tsFile *os.File
	tsOut := io.Writer(&tsBuf)
	if *timesliceFile != "" {
		var err error
		tsFile, err = os.Create(*timesliceFile)
		if err != nil {
			return err
		}
		defer tsFile.Close()
		tsOut = tsFile
	}
	tsCloser, err := timeslice.StartRecording(tsOut)
	if err != nil {
		return err
	}

	start := time.Now()
	execErr := execute(scenario, options{
		dtbFile:     *dtbFile,
		printTree:   *printTree,
		snapshotIn:  *snapshotIn,
		snapshotOut: *snapshotOut,
	})
	if closeErr := tsCloser.Close(); execErr == nil {
		execErr = closeErr
	}
	if execErr != nil {
		return execErr
	}

	var tsReader io.Reader = bytes.NewReader(tsBuf.Bytes())
	if tsFile != nil {
		if _, err := tsFile.Seek(0, io.SeekStart); err != nil {
			return err
		}
		tsReader = tsFile
	}
	if err := printTimesliceSummary(tsReader); err != nil {
		return err
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return err
		}
	}

	fmt.Printf("=== done in %s ===\n", time.Since(start).Round(time.Microsecond))

	return nil
}

func execute(s *Scenario, opts options) error {
	arch := archFromName(s.Arch)

	fmt.Printf("=== machine: %s ===\n", s.Arch)

	vm, err := sim.New(sim.Config{
		Architecture: arch,
		MemorySize:   s.MemoryMB << 20,
	})
	if err != nil {
		return err
	}
	defer vm.Close()

	provider := host.NewMemProvider()
	connections := make(chan host.Handle, 16)

	dev, err := vm.AddDeviceFromTemplate(virtio.NewBridgeTemplate(provider, func(h host.Handle) {
		connections <- h
	}))
	if err != nil {
		return err
	}
	bridge, ok := dev.(*virtio.Bridge)
	if !ok {
		return fmt.Errorf("template produced a %T, want a bridge", dev)
	}

	for _, alloc := range vm.MMIOAllocations() {
		fmt.Printf("mmio %-16s base=%#x size=%#x\n", alloc.Name, alloc.Base, alloc.Size)
	}
	fmt.Printf("kernel arg: %s\n", virtio.GetAllocatedLinuxCommandLineParam(bridge))

	hash := hv.ComputeConfigHash(arch, vm.MemoryBase(), vm.MemorySize(), []hv.DeviceConfig{{
		ID:      bridge.DeviceId(),
		Base:    bridge.AllocatedMMIOBase(),
		Size:    bridge.AllocatedMMIOSize(),
		IRQLine: bridge.AllocatedIRQLine(),
	}})
	fmt.Printf("config hash: %x\n", hash)

	if opts.snapshotIn != "" {
		if err := restoreSnapshot(opts.snapshotIn, arch, hash, bridge); err != nil {
			return err
		}
	}

	if opts.printTree || opts.dtbFile != "" {
		if err := emitDeviceTree(s, vm, bridge, opts); err != nil {
			return err
		}
	}

	fmt.Printf("=== scenario: %s ===\n", s.Name)

	driver := virtio.NewBridgeDriver(vm, bridge, driverArenaBase, driverArenaSize)
	if err := driver.Probe(); err != nil {
		return err
	}
	if err := driver.Initialize(s.ReceiveBufferBytes); err != nil {
		return err
	}
	fmt.Printf("vendor %#x, window base=%#x size=%#x\n",
		driver.Vendor(), driver.WindowBase(), driver.WindowSize())

	for i := 0; i < s.ReceiveBuffers; i++ {
		if err := driver.PostReceiveBuffer(); err != nil {
			return err
		}
	}

	r := newRunner(driver, provider, connections)
	defer r.close()

	for i, step := range s.Steps {
		desc, err := r.step(step)
		if step.MustFail {
			if err == nil {
				return fmt.Errorf("step %d (%s) succeeded, want failure", i, step.Op)
			}
			fmt.Printf("step %2d %-14s failed as scripted: %v\n", i, step.Op, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		fmt.Printf("step %2d %-14s %s\n", i, step.Op, desc)
	}

	if s.Debug != nil {
		if err := runDebugReplay(arch, s.Debug); err != nil {
			return err
		}
	}

	if opts.snapshotOut != "" {
		if err := captureSnapshot(opts.snapshotOut, arch, hash, bridge); err != nil {
			return err
		}
	}

	return nil
}

func restoreSnapshot(filename string, arch hv.CpuArchitecture, hash hv.VMConfigHash, bridge *virtio.Bridge) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := hv.ReadSnapshotHeader(f, arch, hash); err != nil {
		return fmt.Errorf("read snapshot %s: %w", filename, err)
	}

	var snap hv.DeviceSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", filename, err)
	}
	if err := bridge.RestoreSnapshot(snap); err != nil {
		return err
	}

	fmt.Printf("restored snapshot from %s\n", filename)

	return nil
}

func captureSnapshot(filename string, arch hv.CpuArchitecture, hash hv.VMConfigHash, bridge *virtio.Bridge) error {
	snap, err := bridge.CaptureSnapshot()
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := hv.WriteSnapshotHeader(f, arch, hash); err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot %s: %w", filename, err)
	}

	fmt.Printf("captured snapshot to %s\n", filename)

	return nil
}

// watchpointRegs is the slice of the debug register state both
// architectures share.
type watchpointRegs interface {
	SetWatchpoint(kind debugreg.BreakType, rng debugreg.AddressRange, slotCount int) (debugreg.WatchpointInfo, bool)
	DecodeHitWatchpoint(faultAddr uint64) (debugreg.WatchpointInfo, bool)
	String() string
}

func runDebugReplay(arch hv.CpuArchitecture, cfg *DebugConfig) error {
	fmt.Printf("=== debug replay ===\n")

	var regs watchpointRegs
	var slots int
	if arch == hv.ArchitectureARM64 {
		regs = &debugreg.ARM64DebugRegs{}
		slots = debugreg.ARM64MaxSlots
	} else {
		regs = &debugreg.AMD64DebugRegs{}
		slots = debugreg.AMD64SlotCount
	}

	for i, w := range cfg.Watch {
		kind := debugreg.BreakTypeWrite
		if w.Kind == "readwrite" {
			kind = debugreg.BreakTypeReadWrite
		}
		size := w.Size
		if size == 0 {
			size = 4
		}
		rng := debugreg.NewAddressRange(w.Address, w.Address+size)
		info, ok := regs.SetWatchpoint(kind, rng, slots)
		if !ok {
			return fmt.Errorf("watchpoint %d (%#x+%d) not installable", i, w.Address, size)
		}
		fmt.Printf("watchpoint slot %d: [%#x, %#x) %s\n",
			info.Slot, info.Range.Begin, info.Range.End, kind)
	}
	fmt.Println(regs.String())

	for _, fault := range cfg.Faults {
		info, ok := regs.DecodeHitWatchpoint(fault.Address)
		if !ok {
			fmt.Printf("fault at %#x: no watchpoint covers it\n", fault.Address)
			continue
		}
		fmt.Printf("fault at %#x: slot %d [%#x, %#x)\n",
			fault.Address, info.Slot, info.Range.Begin, info.Range.End)

		if fault.Code == "" {
			continue
		}
		code, err := hex.DecodeString(fault.Code)
		if err != nil {
			return fmt.Errorf("fault code %q: %w", fault.Code, err)
		}
		var asm string
		if arch == hv.ArchitectureARM64 {
			asm, err = debugreg.DisassembleARM64(code)
		} else {
			asm, err = debugreg.DisassembleAMD64(code, fault.PC)
		}
		if err != nil {
			fmt.Printf("  pc=%#x: undecodable (%v)\n", fault.PC, err)
			continue
		}
		fmt.Printf("  pc=%#x: %s\n", fault.PC, asm)
	}

	return nil
}

func emitDeviceTree(s *Scenario, vm *sim.VM, bridge *virtio.Bridge, opts options) error {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"linux,dummy-virt"}},
		},
		Children: []fdt.Node{
			{
				Name: fmt.Sprintf("memory@%x", vm.MemoryBase()),
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{vm.MemoryBase(), vm.MemorySize()}},
				},
			},
			{
				Name: "chosen",
				Properties: map[string]fdt.Property{
					"bootargs": {Strings: []string{virtio.GetAllocatedLinuxCommandLineParam(bridge)}},
				},
			},
			virtio.GetAllocatedDeviceTreeNode(bridge),
		},
	}
	if s.DeviceTree != nil {
		root.Children = append(root.Children, s.DeviceTree.ExtraNodes...)
	}
	if err := root.Validate(); err != nil {
		return err
	}

	if opts.printTree {
		out, err := yaml.Marshal(root)
		if err != nil {
			return err
		}
		fmt.Printf("=== device tree ===\n%s", out)
	}

	if opts.dtbFile != "" {
		blob, err := fdt.Build(root)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.dtbFile, blob, 0644); err != nil {
			return err
		}
		fmt.Printf("wrote device tree blob: %s (%d bytes)\n", opts.dtbFile, len(blob))
	}

	return nil
}

func printTimesliceSummary(r io.Reader) error {
	type stats struct {
		count         int
		sum, min, max time.Duration
	}
	perKind := make(map[string]*stats)

	err := timeslice.ReadAllRecords(r, func(name string, flags timeslice.SliceFlags, duration time.Duration) error {
		st := perKind[name]
		if st == nil {
			st = &stats{min: duration, max: duration}
			perKind[name] = st
		}
		st.count++
		st.sum += duration
		if duration < st.min {
			st.min = duration
		}
		if duration > st.max {
			st.max = duration
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(perKind) == 0 {
		return nil
	}

	fmt.Printf("=== timeslices ===\n")

	names := make([]string, 0, len(perKind))
	for name := range perKind {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := perKind[name]
		fmt.Printf("%24s count=%6d sum=%12s min=%12s max=%12s avg=%12s\n",
			name, st.count, st.sum, st.min, st.max, st.sum/time.Duration(st.count))
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vbridge-sim: %v\n", err)
		os.Exit(1)
	}
}
