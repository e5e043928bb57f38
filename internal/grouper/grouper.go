// Package grouper collapses per-device results with identical output into
// groups, so a broadcast over many devices reads as a few distinct answers.
package grouper

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
	"strings"

	"github.com/agent462/devherd/internal/executor"
)

// OutputGroup is a set of devices that produced identical output and exit
// code.
type OutputGroup struct {
	Serials  []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	IsNorm   bool   // the largest group
	Diff     string // stdout diff against the norm; empty for the norm
}

// GroupedResults holds categorized broadcast results.
type GroupedResults struct {
	Groups   []OutputGroup
	Failed   []*executor.Result // did not produce a result
	TimedOut []*executor.Result
}

// Group sorts results into failed, timed out, and output groups. The largest
// output group is the norm; on a tie the first one seen wins. Outlier groups
// carry a line diff of their stdout against the norm.
func Group(results []*executor.Result) *GroupedResults {
	gr := &GroupedResults{}

	byKey := make(map[[sha256.Size]byte]*OutputGroup)
	var order []*OutputGroup
	for _, r := range results {
		switch {
		case r.TimedOut || errors.Is(r.Err, context.DeadlineExceeded):
			gr.TimedOut = append(gr.TimedOut, r)
			continue
		case r.Err != nil:
			gr.Failed = append(gr.Failed, r)
			continue
		}

		key := outputKey(r)
		g, ok := byKey[key]
		if !ok {
			g = &OutputGroup{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}
			byKey[key] = g
			order = append(order, g)
		}
		g.Serials = append(g.Serials, r.Serial)
	}
	if len(order) == 0 {
		return gr
	}

	norm := order[0]
	for _, g := range order[1:] {
		if len(g.Serials) > len(norm.Serials) {
			norm = g
		}
	}
	norm.IsNorm = true

	gr.Groups = append(gr.Groups, *norm)
	for _, g := range order {
		if g == norm {
			continue
		}
		g.Diff = lineDiff(string(norm.Stdout), string(g.Stdout))
		gr.Groups = append(gr.Groups, *g)
	}
	for i := range gr.Groups {
		sort.Strings(gr.Groups[i].Serials)
	}
	return gr
}

// outputKey hashes stdout, stderr, and exit code. NUL separators keep
// different splits of the same bytes apart.
func outputKey(r *executor.Result) [sha256.Size]byte {
	h := sha256.New()
	h.Write(r.Stdout)
	h.Write([]byte{0})
	h.Write(r.Stderr)
	h.Write([]byte{0})
	var code [8]byte
	binary.BigEndian.PutUint64(code[:], uint64(int64(r.ExitCode)))
	h.Write(code[:])
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}

// maxDiffLines bounds the LCS table; larger inputs are shown as a full
// replacement.
const maxDiffLines = 500

// lineDiff renders a unified-style line diff of b against a.
func lineDiff(a, b string) string {
	aLines, bLines := splitLines(a), splitLines(b)

	var out strings.Builder
	out.WriteString("--- norm\n+++ outlier\n")
	emit := func(prefix byte, line string) {
		out.WriteByte(prefix)
		out.WriteString(line)
		out.WriteByte('\n')
	}

	if len(aLines) > maxDiffLines || len(bLines) > maxDiffLines {
		for _, l := range aLines {
			emit('-', l)
		}
		for _, l := range bLines {
			emit('+', l)
		}
		return out.String()
	}

	// suffix[i][j] is the LCS length of aLines[i:] and bLines[j:].
	m, n := len(aLines), len(bLines)
	suffix := make([][]int, m+1)
	for i := range suffix {
		suffix[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if aLines[i] == bLines[j] {
				suffix[i][j] = suffix[i+1][j+1] + 1
			} else {
				suffix[i][j] = max(suffix[i+1][j], suffix[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < m && j < n {
		switch {
		case aLines[i] == bLines[j]:
			emit(' ', aLines[i])
			i++
			j++
		case suffix[i+1][j] >= suffix[i][j+1]:
			emit('-', aLines[i])
			i++
		default:
			emit('+', bLines[j])
			j++
		}
	}
	for ; i < m; i++ {
		emit('-', aLines[i])
	}
	for ; j < n; j++ {
		emit('+', bLines[j])
	}
	return out.String()
}

// splitLines splits s into lines, ignoring one trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
