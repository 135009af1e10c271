//go:build linux

package scoutsync

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// processRSSBytes returns the resident set size of this process. It is
// best-effort: ok is false when /proc is unavailable.
func processRSSBytes() (rssBytes uint64, ok bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	rssPages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return rssPages * uint64(os.Getpagesize()), true
}

// smapsKeys are the smaps_rollup fields worth logging: they split RSS into
// heap growth versus leveldb's file-backed pages.
var smapsKeys = []string{"Anonymous", "Private_Dirty", "Shared_Clean", "Swap"}

// processSmapsRollupBytes reads the fields listed in smapsKeys from
// /proc/self/smaps_rollup, in bytes.
func processSmapsRollupBytes() (vals map[string]uint64, ok bool) {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil, false
	}
	defer f.Close()

	want := make(map[string]bool, len(smapsKeys))
	for _, k := range smapsKeys {
		want[k] = true
	}

	sc := bufio.NewScanner(f)
	vals = make(map[string]uint64)
	for sc.Scan() {
		// Format: "Key:    123 kB"
		key, rest, found := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !found || !want[key] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n * 1024
	}
	if sc.Err() != nil || len(vals) == 0 {
		return nil, false
	}
	return vals, true
}

func formatSmapsRollup(vals map[string]uint64) string {
	var b strings.Builder
	for _, k := range smapsKeys {
		v, ok := vals[k]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(humanize.IBytes(v))
	}
	return b.String()
}
