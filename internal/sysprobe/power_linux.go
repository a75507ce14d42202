//go:build linux

package sysprobe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const powerSupplyRoot = "/sys/class/power_supply"

// samplePower reads /sys/class/power_supply on Linux. A machine with no
// battery entries (desktops, most servers) reports on_ac = true — see the
// "battery platform fallback" open question resolved in DESIGN.md.
func samplePower() (Power, error) {
	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		return Power{}, err
	}

	onAC := false
	var batteryPct *float64

	for _, entry := range entries {
		name := entry.Name()
		typ := readSysAttr(filepath.Join(powerSupplyRoot, name, "type"))
		switch strings.TrimSpace(typ) {
		case "Mains", "ADP", "USB":
			if readSysAttr(filepath.Join(powerSupplyRoot, name, "online")) == "1" {
				onAC = true
			}
		case "Battery":
			if raw := readSysAttr(filepath.Join(powerSupplyRoot, name, "capacity")); raw != "" {
				if pct, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
					batteryPct = &pct
				}
			}
			if readSysAttr(filepath.Join(powerSupplyRoot, name, "status")) == "Charging" {
				onAC = true
			}
		}
	}

	if batteryPct == nil {
		// No battery entries at all: server-class hardware. Default on_ac=true.
		onAC = true
	}

	return Power{OnAC: onAC, BatteryPercent: batteryPct}, nil
}

func readSysAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
