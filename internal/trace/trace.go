// Package trace is a low-overhead binary record log for high-rate device
// tracing. Records carry a timestamp, a source name and a payload:
//
//	2 bytes  kind (0 invalid, 1 bytes, 2 string)
//	2 bytes  source length
//	4 bytes  payload length
//	8 bytes  timestamp, nanoseconds since the unix epoch
//	         source, then payload
//
// All integers are little-endian. Writers reserve space by atomically
// advancing a shared offset, so records from concurrent goroutines never
// interleave.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

func encodeHeader(kind Kind, sourceLen, dataLen int, unixNano int64) [headerSize]byte {
	var h [headerSize]byte
	binary.LittleEndian.PutUint16(h[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(h[2:4], uint16(sourceLen))
	binary.LittleEndian.PutUint32(h[4:8], uint32(dataLen))
	binary.LittleEndian.PutUint64(h[8:16], uint64(unixNano))
	return h
}

func decodeHeader(h [headerSize]byte) (kind Kind, sourceLen uint16, dataLen uint32, unixNano int64) {
	kind = Kind(binary.LittleEndian.Uint16(h[0:2]))
	sourceLen = binary.LittleEndian.Uint16(h[2:4])
	dataLen = binary.LittleEndian.Uint32(h[4:8])
	unixNano = int64(binary.LittleEndian.Uint64(h[8:16]))
	return
}

// A Sink receives encoded records at the offsets the writer reserved for
// them.
type Sink interface {
	io.WriterAt
	io.Closer
}

type sinkState struct {
	w   Sink
	off atomic.Uint64
}

var active atomic.Pointer[sinkState]

// OpenFile truncates filename and directs all records to it. Truncation
// keeps stale records from earlier runs out of the index.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("trace: open %s: %w", filename, err)
	}
	return Open(f)
}

// Open installs s as the record sink. A non-nil error is a warning that a
// previous sink was discarded along with anything buffered in it.
func Open(s Sink) error {
	if active.Swap(&sinkState{w: s}) != nil {
		return fmt.Errorf("trace: already open, discarded previous sink")
	}
	return nil
}

// Close detaches and closes the current sink. Records written afterwards
// are dropped.
func Close() error {
	st := active.Swap(nil)
	if st == nil {
		return nil
	}
	return st.w.Close()
}

// MemorySink collects records in memory, for tests and for runs where no
// trace file is wanted.
type MemorySink struct {
	mu  sync.Mutex
	buf []byte
}

// OpenMemory installs a fresh in-memory sink and returns it.
func OpenMemory() (*MemorySink, error) {
	m := &MemorySink{}
	if err := Open(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *MemorySink) Close() error { return nil }

// Bytes returns a copy of the records collected so far. Close the log
// first if writers may still be running.
func (m *MemorySink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// WriteTo flushes the collected records, typically to a file at exit.
func (m *MemorySink) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Bytes())
	return int64(n), err
}

func record(kind Kind, source string, data []byte) {
	st := active.Load()
	if st == nil {
		return
	}

	rec := make([]byte, headerSize+len(source)+len(data))
	h := encodeHeader(kind, len(source), len(data), time.Now().UnixNano())
	copy(rec, h[:])
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], data)

	off := st.off.Add(uint64(len(rec))) - uint64(len(rec))
	if _, err := st.w.WriteAt(rec, int64(off)); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	record(KindBytes, source, data)
}

func Write(source string, msg string) {
	record(KindString, source, []byte(msg))
}

func Writef(source string, format string, args ...any) {
	record(KindString, source, fmt.Appendf(nil, format, args...))
}

// A Source is a named handle that stamps every record it writes.
type Source interface {
	WriteBytes(data []byte)
	Write(msg string)
	Writef(format string, args ...any)
}

type namedSource string

func (s namedSource) WriteBytes(data []byte) { record(KindBytes, string(s), data) }
func (s namedSource) Write(msg string)       { record(KindString, string(s), []byte(msg)) }
func (s namedSource) Writef(format string, args ...any) {
	record(KindString, string(s), fmt.Appendf(nil, format, args...))
}

func WithSource(name string) Source { return namedSource(name) }

type SearchOptions struct {
	// Inclusive timestamp bounds; a zero time leaves that side unbounded.
	Start time.Time
	End   time.Time

	// LimitStart keeps only the first N matches, LimitEnd only the last N.
	// Setting both is an error.
	LimitStart int64
	LimitEnd   int64

	// Sources restricts matches to these source names.
	Sources []string
}

type Reader interface {
	// Sources lists every source name in first-written order.
	Sources() []string

	// TimeRange returns the earliest and latest record timestamps.
	TimeRange() (time.Time, time.Time)

	// Each visits every record in timestamp order.
	Each(fn func(ts time.Time, kind Kind, source string, data []byte) error) error

	// EachSource visits every record of one source in timestamp order.
	EachSource(source string, fn func(ts time.Time, kind Kind, data []byte) error) error

	// Search visits the records matching opts in timestamp order.
	Search(opts SearchOptions, fn func(ts time.Time, kind Kind, source string, data []byte) error) error

	// Sample visits the first record of each source, sources in
	// first-written order.
	Sample(fn func(ts time.Time, kind Kind, source string, data []byte) error) error

	// Count reports how many records match opts.
	Count(opts SearchOptions) (int, error)
}

type indexEntry struct {
	off      int64
	unixNano int64
}

type reader struct {
	r io.ReaderAt

	order    []string
	index    map[string][]indexEntry
	earliest int64
	latest   int64
}

func (r *reader) indexAll(src io.ReadSeeker) error {
	off, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("trace: seek: %w", err)
	}

	br := bufio.NewReaderSize(src, 4*1024*1024)
	var header [headerSize]byte
	var srcBuf []byte

	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read header at offset %d: %w", off, err)
		}
		kind, sourceLen, dataLen, ts := decodeHeader(header)
		if kind == KindInvalid {
			return fmt.Errorf("trace: invalid record at offset %d", off)
		}
		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}

		if cap(srcBuf) < int(sourceLen) {
			srcBuf = make([]byte, sourceLen)
		}
		srcBuf = srcBuf[:sourceLen]
		if _, err := io.ReadFull(br, srcBuf); err != nil {
			return fmt.Errorf("trace: truncated record at offset %d: %w", off, err)
		}
		if _, err := br.Discard(int(dataLen)); err != nil {
			return fmt.Errorf("trace: truncated record at offset %d: %w", off, err)
		}

		source := string(srcBuf)
		if _, ok := r.index[source]; !ok {
			r.order = append(r.order, source)
		}
		r.index[source] = append(r.index[source], indexEntry{off: off, unixNano: ts})

		off += headerSize + int64(sourceLen) + int64(dataLen)
	}
}

type entryRef struct {
	source string
	entry  indexEntry
}

func (opts SearchOptions) matches(unixNano int64) bool {
	if !opts.Start.IsZero() && unixNano < opts.Start.UnixNano() {
		return false
	}
	if !opts.End.IsZero() && unixNano > opts.End.UnixNano() {
		return false
	}
	return true
}

func (r *reader) collect(opts SearchOptions) ([]entryRef, error) {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return nil, fmt.Errorf("trace: LimitStart and LimitEnd are mutually exclusive")
	}

	var filter map[string]struct{}
	if len(opts.Sources) > 0 {
		filter = make(map[string]struct{}, len(opts.Sources))
		for _, s := range opts.Sources {
			filter[s] = struct{}{}
		}
	}

	var refs []entryRef
	for _, source := range r.order {
		if filter != nil {
			if _, ok := filter[source]; !ok {
				continue
			}
		}
		for _, ie := range r.index[source] {
			if opts.matches(ie.unixNano) {
				refs = append(refs, entryRef{source: source, entry: ie})
			}
		}
	}

	// Stable keeps file order among records sharing a timestamp.
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].entry.unixNano < refs[j].entry.unixNano
	})

	if opts.LimitStart > 0 && int64(len(refs)) > opts.LimitStart {
		refs = refs[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && int64(len(refs)) > opts.LimitEnd {
		refs = refs[int64(len(refs))-opts.LimitEnd:]
	}

	return refs, nil
}

func (r *reader) emit(ref entryRef, fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	var header [headerSize]byte
	if _, err := r.r.ReadAt(header[:], ref.entry.off); err != nil {
		return fmt.Errorf("trace: read record at offset %d: %w", ref.entry.off, err)
	}
	kind, sourceLen, dataLen, ts := decodeHeader(header)
	if kind == KindInvalid {
		return fmt.Errorf("trace: invalid record at offset %d", ref.entry.off)
	}

	var data []byte
	if dataLen > 0 {
		data = make([]byte, dataLen)
		if _, err := r.r.ReadAt(data, ref.entry.off+headerSize+int64(sourceLen)); err != nil {
			return fmt.Errorf("trace: read record data at offset %d: %w", ref.entry.off, err)
		}
	}

	return fn(time.Unix(0, ts), kind, ref.source, data)
}

// Search implements Reader.
func (r *reader) Search(opts SearchOptions, fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	refs, err := r.collect(opts)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := r.emit(ref, fn); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Reader.
func (r *reader) Count(opts SearchOptions) (int, error) {
	refs, err := r.collect(opts)
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

// Each implements Reader.
func (r *reader) Each(fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	return r.Search(SearchOptions{}, fn)
}

// EachSource implements Reader.
func (r *reader) EachSource(source string, fn func(ts time.Time, kind Kind, data []byte) error) error {
	return r.Search(SearchOptions{Sources: []string{source}}, func(ts time.Time, kind Kind, _ string, data []byte) error {
		return fn(ts, kind, data)
	})
}

// Sample implements Reader.
func (r *reader) Sample(fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	for _, source := range r.order {
		entries := r.index[source]
		if len(entries) == 0 {
			continue
		}
		if err := r.emit(entryRef{source: source, entry: entries[0]}, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) Sources() []string {
	return append([]string(nil), r.order...)
}

func (r *reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

// NewReader indexes the log once through indexReader and serves record
// reads from r. Both usually wrap the same file or byte slice.
func NewReader(r io.ReaderAt, indexReader io.ReadSeeker) (Reader, error) {
	ret := &reader{
		r:     r,
		index: make(map[string][]indexEntry),
	}
	if err := ret.indexAll(indexReader); err != nil {
		return nil, err
	}
	return ret, nil
}

func NewReaderFromFile(filename string) (Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open %s: %w", filename, err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}
