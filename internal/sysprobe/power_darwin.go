//go:build darwin

package sysprobe

import (
	"os/exec"
	"strconv"
	"strings"
)

// samplePower shells out to pmset -g batt, the documented macOS adapter
// from spec §4.B. A machine pmset reports no battery for returns on_ac=true.
func samplePower() (Power, error) {
	out, err := exec.Command("pmset", "-g", "batt").Output()
	if err != nil {
		return Power{OnAC: true}, nil
	}

	text := string(out)
	onAC := strings.Contains(text, "AC Power")

	var batteryPct *float64
	if idx := strings.Index(text, "%"); idx > 0 {
		start := idx
		for start > 0 && text[start-1] >= '0' && text[start-1] <= '9' {
			start--
		}
		if start < idx {
			if pct, perr := strconv.ParseFloat(text[start:idx], 64); perr == nil {
				batteryPct = &pct
			}
		}
	}

	return Power{OnAC: onAC, BatteryPercent: batteryPct}, nil
}
