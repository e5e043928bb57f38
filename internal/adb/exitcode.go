package adb

import (
	"bytes"
	"regexp"
	"strconv"
)

// exitMarker precedes the remote shell's $? in the trailer appended by Shell.
const exitMarker = "AdbShellExitCode:"

var exitMarkerRe = regexp.MustCompile(regexp.QuoteMeta(exitMarker) + `\s*(-?\d+)\s*$`)

// extractExitMarker scans the last non-blank line of stdout for the exit
// marker. It returns stdout with the marker removed and the parsed code.
func extractExitMarker(stdout []byte) ([]byte, int, bool) {
	trimmed := bytes.TrimRight(stdout, " \t\r\n")
	start := bytes.LastIndexByte(trimmed, '\n') + 1
	line := string(bytes.TrimRight(trimmed[start:], "\r"))

	loc := exitMarkerRe.FindStringSubmatchIndex(line)
	if loc == nil {
		return stdout, 0, false
	}
	code, err := strconv.Atoi(line[loc[2]:loc[3]])
	if err != nil {
		return stdout, 0, false
	}

	// Keep any output that shared the line with the marker because the
	// command did not end with a newline.
	out := make([]byte, 0, start+loc[0])
	out = append(out, trimmed[:start]...)
	out = append(out, line[:loc[0]]...)
	return out, code, true
}

// translateSignal maps shell exit codes in (128,159] to signal deaths:
// 137 (128+SIGKILL) becomes -9.
func translateSignal(code int) int {
	if code > 128 && code <= 159 {
		return 128 - code
	}
	return code
}
