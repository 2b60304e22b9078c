package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"regexp"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vbridge/internal/trace"
	"golang.org/x/term"
)

type entry struct {
	ts     time.Time
	source string
	text   string
}

// exportEntries writes entries to a file with the source column padded to
// a uniform display width. Message text is stripped of ANSI sequences so
// guest console escapes cannot corrupt the export.
func exportEntries(filename string, entries []entry) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	var total int64
	width := 0
	for i := range entries {
		entries[i].text = ansi.Strip(entries[i].text)
		if w := ansi.StringWidth(entries[i].source); w > width {
			width = w
		}
		total += int64(len(entries[i].text))
	}

	bar := progressbar.DefaultBytesSilent(total, "exporting")
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.DefaultBytes(total, "exporting")
	}
	defer bar.Finish()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		pad := strings.Repeat(" ", width-ansi.StringWidth(e.source))
		if _, err := fmt.Fprintf(w, "%s [%s]%s %s\n", e.ts.Format(time.RFC3339Nano), e.source, pad, e.text); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		bar.Add(len(e.text))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	return nil
}

func run() error {
	// Flags
	list := flag.Bool("list", false, "list all sources in the log")
	sample := flag.Bool("sample", false, "print one record from each matched source")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	export := flag.String("export", "", "write matched entries to a file instead of stdout")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to file")
	memprofile := flag.String("memprofile", "", "write memory profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vbridge-trace - inspect binary bridge trace logs

USAGE:
  vbridge-trace [flags] <filename>

FLAGS:
  -list          List all unique source names in the log, one per line
  -sample        Print one record from each matched source
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries where source matches regex (Go regexp syntax)
  -match REGEX   Only show entries where message matches regex (Go regexp syntax)
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)
  -export FILE   Write matched entries to FILE with aligned columns

OUTPUT FORMAT:
  Each entry is printed as: TIMESTAMP [SOURCE] MESSAGE
  Timestamps are RFC3339Nano format (e.g. 2024-01-15T10:30:00.123456789Z)

EXAMPLES:
  vbridge-trace trace.bin                           Show entries (errors if >100)
  vbridge-trace -sample trace.bin                   Print one record from each matched source
  vbridge-trace -tail trace.bin                     Show last 100 entries
  vbridge-trace -limit 0 trace.bin                  Show all entries (no limit)
  vbridge-trace -tail -limit 50 trace.bin           Show last 50 entries
  vbridge-trace -list trace.bin                     List all source names
  vbridge-trace -range trace.bin                    Show time range of log
  vbridge-trace -source '^virtio-bridge' trace.bin  Entries from the bridge device
  vbridge-trace -source 'cmd|recv' trace.bin        Entries from command or receive paths
  vbridge-trace -match 'hup' trace.bin              Entries containing "hup" in the message
  vbridge-trace -match '(?i)invalid' trace.bin      Case-insensitive match for "invalid"
  vbridge-trace -limit 0 -export out.txt trace.bin  Export everything to out.txt
`)
	}
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	if *memprofile != "" {
		defer func() {
			f, err := os.Create(*memprofile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "vbridge-trace: create memory profile: %v\n", err)
				return
			}
			defer f.Close()
			if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
				fmt.Fprintf(os.Stderr, "vbridge-trace: write memory profile: %v\n", err)
			}
		}()
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	filename := flag.Arg(0)

	reader, closer, err := trace.NewReaderFromFile(filename)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer closer.Close()

	// Handle -list
	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	// Handle -range
	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	// Compile regexes
	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	// Handle -sample
	if *sample {
		if err := reader.Sample(func(ts time.Time, kind trace.Kind, src string, data []byte) error {
			if sourceRe != nil && !sourceRe.MatchString(src) {
				return nil
			}
			fmt.Printf("%s [%s] %s\n", ts.Format(time.RFC3339Nano), src, string(data))
			return nil
		}); err != nil {
			return fmt.Errorf("sample log: %w", err)
		}
		return nil
	}

	// Collect matching entries
	var entries []entry
	if err := reader.Each(func(ts time.Time, kind trace.Kind, src string, data []byte) error {
		if sourceRe != nil && !sourceRe.MatchString(src) {
			return nil
		}
		if matchRe != nil && !matchRe.Match(data) {
			return nil
		}
		entries = append(entries, entry{ts: ts, source: src, text: string(data)})
		return nil
	}); err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	// Apply the limit. The default of 100 is a guard, not a request: going
	// over it is an error unless -tail makes the intent explicit.
	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case *limit == 100:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for the last %d, or set -limit explicitly", len(entries), *limit, *limit)
		default:
			entries = entries[:*limit]
		}
	}

	if *export != "" {
		return exportEntries(*export, entries)
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.ts.Format(time.RFC3339Nano), e.source, e.text)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vbridge-trace: %v\n", err)
		os.Exit(1)
	}
}
