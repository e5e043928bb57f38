package adb

import (
	"fmt"
	"strings"

	"github.com/agent462/devherd/internal/process"
)

// CommandError reports a bridge or remote command whose resolved exit code
// was nonzero. It carries the full result for diagnostics.
type CommandError struct {
	Serial string
	Result *process.Result
	Hint   string
}

func (e *CommandError) Error() string {
	target := e.Serial
	if target == "" {
		target = "adb"
	}
	msg := fmt.Sprintf("%s: command exited with code %d\n%s", target, e.Result.ExitCode, e.Result.String())
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// CheckSuccess returns a *CommandError when res has a nonzero exit code.
func CheckSuccess(serial string, res *process.Result) error {
	if res.ExitCode == 0 {
		return nil
	}
	return &CommandError{Serial: serial, Result: res, Hint: hintFor(serial, res)}
}

// hintFor maps well-known adb failure messages to a suggested fix.
func hintFor(serial string, res *process.Result) string {
	msg := strings.ToLower(string(res.Stderr) + "\n" + string(res.Stdout))

	switch {
	case res.TimedOut:
		return "the command timed out; output may be partial"
	case strings.Contains(msg, "unauthorized"):
		return "accept the USB debugging prompt on the device"
	case strings.Contains(msg, "device offline"):
		return fmt.Sprintf("reconnect the device or run: adb -s %s reconnect", serial)
	case strings.Contains(msg, "no devices/emulators found"),
		strings.Contains(msg, "not found"):
		return "verify the device is listed by: adb devices"
	case strings.Contains(msg, "cannot run as root in production builds"):
		return "privilege elevation needs a userdebug or eng build"
	case strings.Contains(msg, "install_failed_insufficient_storage"):
		return "free space on the device before installing"
	case strings.Contains(msg, "install_failed_update_incompatible"):
		return "uninstall the existing package; its signature differs"
	case strings.Contains(msg, "permission denied"):
		return "the command needs elevated privileges on the device"
	}
	return ""
}
