package adb

import "testing"

func TestExtractExitMarker(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		wantOut  string
		wantCode int
		wantOK   bool
	}{
		{"zero", "AdbShellExitCode: 0\n", "", 0, true},
		{"with output", "hello\nworld\nAdbShellExitCode: 1\n", "hello\nworld\n", 1, true},
		{"trailing blank lines", "x\nAdbShellExitCode: 2\n\n\n", "x\n", 2, true},
		{"crlf", "x\r\nAdbShellExitCode: 3\r\n", "x\r\n", 3, true},
		{"no trailing newline on output", "partialAdbShellExitCode: 4\n", "partial", 4, true},
		{"signal band", "... AdbShellExitCode: 137\n", "... ", 137, true},
		{"missing", "hello\n", "hello\n", 0, false},
		{"empty", "", "", 0, false},
		{"marker not on last line", "AdbShellExitCode: 0\nmore output\n", "AdbShellExitCode: 0\nmore output\n", 0, false},
		{"garbage after marker", "AdbShellExitCode: 0 extra\n", "AdbShellExitCode: 0 extra\n", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code, ok := extractExitMarker([]byte(tt.stdout))
			if ok != tt.wantOK {
				t.Fatalf("ok = %t, want %t", ok, tt.wantOK)
			}
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if string(out) != tt.wantOut {
				t.Errorf("stdout = %q, want %q", out, tt.wantOut)
			}
		})
	}
}

func TestTranslateSignal(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 0},
		{1, 1},
		{127, 127},
		{128, 128},
		{129, -1},
		{137, -9},
		{143, -15},
		{159, -31},
		{160, 160},
		{255, 255},
	}
	for _, tt := range tests {
		if got := translateSignal(tt.in); got != tt.want {
			t.Errorf("translateSignal(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
