// Package timeslice records where wall time goes, as a flat stream of
// (kind, duration) pairs cheap enough to emit around every MMIO dispatch.
// A file starts with a header and a JSON table of the registered kinds,
// padded to 4096 bytes; fixed 16-byte records follow.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 2

	headerPad = 4096
)

type fileHeader struct {
	Magic        uint32
	Version      uint32
	KindTableLen uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent running guest-visible work.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagInitTime marks one-time setup before the first dispatch.
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var kinds = make(map[TimesliceID]SliceInfo)

var TimesliceInit = RegisterKind("init", SliceFlagInitTime)

// RegisterKind names a slice kind. Call it from package init only; the
// table is written out when recording starts and is not locked.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

type sliceRecord struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(sliceRecord{})

type sliceWriter struct {
	w       io.Writer
	records chan sliceRecord
	done    chan error
}

func (w *sliceWriter) run() {
	defer close(w.done)

	var buf [4096]byte
	off := 0

	flush := func() error {
		if off == 0 {
			return nil
		}
		_, err := w.w.Write(buf[:off])
		off = 0
		return err
	}

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if err := flush(); err != nil {
				w.done <- err
				return
			}
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if err := flush(); err != nil {
		w.done <- err
		return
	}
	w.done <- nil
}

func (w *sliceWriter) Close() error {
	// The swap guarantees a single closer.
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.records)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[sliceWriter]

// Recorder tracks the time since its last Record call. Not safe for
// concurrent use; give each dispatch loop its own.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record attributes duration to the given kind. A no-op unless recording
// has been started.
func Record(id TimesliceID, duration time.Duration) {
	if w := current.Load(); w != nil {
		w.records <- sliceRecord{ID: id, Duration: duration.Nanoseconds()}
	}
}

// StartRecording writes the header and kind table to w and starts the
// background writer. The returned closer flushes and detaches it.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already recording")
	}

	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kind table: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, fileHeader{
		Magic:        Magic,
		Version:      Version,
		KindTableLen: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kind table: %w", err)
	}

	// Records start at a page boundary.
	off := binary.Size(fileHeader{}) + len(table)
	if off%headerPad != 0 {
		if _, err := w.Write(make([]byte, headerPad-off%headerPad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	sw := &sliceWriter{
		w:       w,
		records: make(chan sliceRecord, 4096),
		done:    make(chan error),
	}
	go sw.run()

	if !current.CompareAndSwap(nil, sw) {
		close(sw.records)
		<-sw.done
		return nil, fmt.Errorf("timeslice: already recording")
	}

	return sw, nil
}

// ReadAllRecords streams every record of a recording to fn.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr fileHeader
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]SliceInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindTableLen)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kind table: %w", err)
	}

	off := binary.Size(fileHeader{}) + int(hdr.KindTableLen)
	if off%headerPad != 0 {
		if _, err := buf.Discard(headerPad - off%headerPad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec sliceRecord
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
