package grouper

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agent462/devherd/internal/executor"
)

func TestGroupAllIdentical(t *testing.T) {
	results := []*executor.Result{
		{Serial: "emulator-5554", Stdout: []byte("34\n")},
		{Serial: "emulator-5556", Stdout: []byte("34\n")},
		{Serial: "R5CT1234", Stdout: []byte("34\n")},
	}

	gr := Group(results)
	if len(gr.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(gr.Groups))
	}
	g := gr.Groups[0]
	if !g.IsNorm || g.Diff != "" {
		t.Errorf("single group should be the norm without diff: %+v", g)
	}
	if strings.Join(g.Serials, ",") != "R5CT1234,emulator-5554,emulator-5556" {
		t.Errorf("serials = %v, want sorted", g.Serials)
	}
	if len(gr.Failed) != 0 || len(gr.TimedOut) != 0 {
		t.Errorf("failed=%d timedout=%d", len(gr.Failed), len(gr.TimedOut))
	}
}

func TestGroupNormAndOutlier(t *testing.T) {
	results := []*executor.Result{
		{Serial: "a", Stdout: []byte("sdk 33\n")},
		{Serial: "b", Stdout: []byte("sdk 34\n")},
		{Serial: "c", Stdout: []byte("sdk 34\n")},
	}

	gr := Group(results)
	if len(gr.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(gr.Groups))
	}
	norm, outlier := gr.Groups[0], gr.Groups[1]
	if !norm.IsNorm || string(norm.Stdout) != "sdk 34\n" || len(norm.Serials) != 2 {
		t.Errorf("norm = %+v", norm)
	}
	if outlier.IsNorm || outlier.Serials[0] != "a" {
		t.Errorf("outlier = %+v", outlier)
	}
	if !strings.Contains(outlier.Diff, "-sdk 34") || !strings.Contains(outlier.Diff, "+sdk 33") {
		t.Errorf("diff:\n%s", outlier.Diff)
	}
}

func TestGroupTieKeepsFirstSeen(t *testing.T) {
	gr := Group([]*executor.Result{
		{Serial: "a", Stdout: []byte("x")},
		{Serial: "b", Stdout: []byte("y")},
	})
	if string(gr.Groups[0].Stdout) != "x" {
		t.Errorf("norm = %q, want first seen", gr.Groups[0].Stdout)
	}
}

func TestGroupSeparatesFailures(t *testing.T) {
	results := []*executor.Result{
		{Serial: "a", Stdout: []byte("ok\n")},
		{Serial: "b", Err: errors.New("start adb: no such file")},
		{Serial: "c", TimedOut: true, Stdout: []byte("partial")},
		{Serial: "d", Err: context.DeadlineExceeded},
	}

	gr := Group(results)
	if len(gr.Groups) != 1 || gr.Groups[0].Serials[0] != "a" {
		t.Errorf("groups = %+v", gr.Groups)
	}
	if len(gr.Failed) != 1 || gr.Failed[0].Serial != "b" {
		t.Errorf("failed = %+v", gr.Failed)
	}
	if len(gr.TimedOut) != 2 {
		t.Errorf("timed out = %d, want 2", len(gr.TimedOut))
	}
}

func TestGroupExitCodeSplitsGroups(t *testing.T) {
	gr := Group([]*executor.Result{
		{Serial: "a", Stdout: []byte("same"), ExitCode: 0},
		{Serial: "b", Stdout: []byte("same"), ExitCode: 1},
		{Serial: "c", Stdout: []byte("same"), ExitCode: 1},
	})
	if len(gr.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(gr.Groups))
	}
	if gr.Groups[0].ExitCode != 1 || len(gr.Groups[0].Serials) != 2 {
		t.Errorf("norm = %+v", gr.Groups[0])
	}
}

func TestGroupStderrSplitsGroups(t *testing.T) {
	gr := Group([]*executor.Result{
		{Serial: "a", Stdout: []byte("x"), Stderr: []byte("warn")},
		{Serial: "b", Stdout: []byte("x")},
	})
	if len(gr.Groups) != 2 {
		t.Errorf("expected 2 groups, got %d", len(gr.Groups))
	}
}

func TestGroupStreamBoundary(t *testing.T) {
	gr := Group([]*executor.Result{
		{Serial: "a", Stdout: []byte("ab"), Stderr: []byte("c")},
		{Serial: "b", Stdout: []byte("a"), Stderr: []byte("bc")},
	})
	if len(gr.Groups) != 2 {
		t.Errorf("different stream splits must not collide")
	}
}

func TestGroupEmpty(t *testing.T) {
	gr := Group(nil)
	if len(gr.Groups) != 0 || len(gr.Failed) != 0 || len(gr.TimedOut) != 0 {
		t.Errorf("expected empty result, got %+v", gr)
	}
}

func TestLineDiff(t *testing.T) {
	norm := "a\nb\nc\n"
	outlier := "a\nx\nc\nd\n"
	want := "--- norm\n+++ outlier\n a\n-b\n+x\n c\n+d\n"
	if got := lineDiff(norm, outlier); got != want {
		t.Errorf("lineDiff =\n%s\nwant\n%s", got, want)
	}
}

func TestLineDiff_Large(t *testing.T) {
	big := strings.Repeat("line\n", maxDiffLines+1)
	got := lineDiff(big, "other\n")
	if !strings.HasSuffix(got, "+other\n") || strings.Count(got, "-line") != maxDiffLines+1 {
		t.Error("large input should fall back to full replacement")
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one\n", 1},
		{"one\ntwo\n", 2},
		{"one\n\n", 2},
	}
	for _, tt := range tests {
		if got := len(splitLines(tt.in)); got != tt.want {
			t.Errorf("splitLines(%q) has %d lines, want %d", tt.in, got, tt.want)
		}
	}
}
