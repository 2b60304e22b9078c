package timeslice

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("a", SliceFlagGuestTime)
	timesliceB = RegisterKind("b", 0)
)

func TestTimesliceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	func() {
		closer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		Record(timesliceA, 100*time.Millisecond)
		Record(timesliceB, 200*time.Millisecond)
	}()

	type seen struct {
		name     string
		flags    SliceFlags
		duration time.Duration
	}
	var got []seen
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags SliceFlags, duration time.Duration) error {
		got = append(got, seen{name, flags, duration})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("records: got %d, want 2", len(got))
	}
	if got[0].name != "a" || got[0].flags != SliceFlagGuestTime || got[0].duration != 100*time.Millisecond {
		t.Errorf("first record: got %+v", got[0])
	}
	if got[1].name != "b" || got[1].duration != 200*time.Millisecond {
		t.Errorf("second record: got %+v", got[1])
	}
}

func TestTimesliceBufferedFlush(t *testing.T) {
	var buf bytes.Buffer
	const n = 1000 // crosses the internal write buffer several times
	func() {
		closer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		for range n {
			Record(timesliceA, time.Millisecond)
		}
	}()

	count := 0
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags SliceFlags, duration time.Duration) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if count != n {
		t.Errorf("records: got %d, want %d", count, n)
	}
}

func TestTimesliceTempFile(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "timeslice.log")

	func() {
		f, err := os.Create(tmpfile)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer f.Close()

		closer, err := StartRecording(f)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		rec := NewRecorder()
		rec.Record(timesliceA)
		rec.Record(timesliceB)
	}()

	f, err := os.Open(tmpfile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var names []string
	if err := ReadAllRecords(f, func(name string, flags SliceFlags, duration time.Duration) error {
		names = append(names, name)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("records: got %v, want [a b]", names)
	}
}

func TestTimesliceDoubleStart(t *testing.T) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	if _, err := StartRecording(&buf); err == nil {
		t.Error("second StartRecording: want error")
	}
}

func TestTimesliceRecordWhenStopped(t *testing.T) {
	// Must not block or crash.
	Record(timesliceA, time.Millisecond)
}

func BenchmarkRecord(b *testing.B) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	for b.Loop() {
		Record(timesliceA, 100*time.Millisecond)
	}
}
