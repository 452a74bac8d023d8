// Package power reports whether the host is currently running on AC
// or battery power, for the power clamp the controller applies before
// initializing the encoder (§4.9.1). It reads the same
// /sys/class/power_supply tree the kernel exposes to upower and
// similar tools; unlike diagnostics' preflight checks this is queried
// once per Start, not on a poll.
package power

import (
	"os"
	"path/filepath"
	"strings"
)

const powerSupplyRoot = "/sys/class/power_supply"

// OnAC reports whether the host reports AC power. On a desktop, a
// host with no battery power_supply entries at all, or any read
// failure, it defaults to true (AC/unknown) so the clamp in §4.9.1
// only ever narrows behavior on hosts that can positively confirm
// they are running on battery.
func OnAC() bool {
	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		return true
	}

	sawBattery := false
	for _, entry := range entries {
		name := entry.Name()
		typ, err := os.ReadFile(filepath.Join(powerSupplyRoot, name, "type"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(typ)) {
		case "Mains", "UPS":
			online, err := os.ReadFile(filepath.Join(powerSupplyRoot, name, "online"))
			if err == nil && strings.TrimSpace(string(online)) == "1" {
				return true
			}
		case "Battery":
			sawBattery = true
			status, err := os.ReadFile(filepath.Join(powerSupplyRoot, name, "status"))
			if err == nil && strings.TrimSpace(string(status)) == "Charging" {
				return true
			}
		}
	}

	// A battery was present and none of the mains/UPS supplies reported
	// online, and no battery reported Charging: genuinely on battery.
	return !sawBattery
}
