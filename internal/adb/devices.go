package adb

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// StateDevice is the state adb reports for a connected, usable device.
const StateDevice = "device"

// Entry is one row of the "adb devices" listing.
type Entry struct {
	Serial string
	State  string // device, offline, unauthorized, ...
}

// ParseDevices parses "adb devices" output. Header and daemon status lines
// are skipped.
func ParseDevices(output string) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, Entry{Serial: fields[0], State: fields[1]})
	}
	return entries
}

// Devices lists the serials of all connected devices in the "device" state.
func (b *Bridge) Devices(ctx context.Context) ([]string, error) {
	res, err := b.Run(ctx, "", "devices")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if err := CheckSuccess("", res); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var serials []string
	for _, e := range ParseDevices(string(res.Stdout)) {
		if e.State == StateDevice {
			serials = append(serials, e.Serial)
			continue
		}
		b.log.Debug().Str("serial", e.Serial).Str("state", e.State).Msg("skipping device")
	}
	return serials, nil
}
