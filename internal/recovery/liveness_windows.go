//go:build windows

package recovery

import (
	"os/exec"
	"strconv"
	"strings"
)

// processAlive shells out to tasklist since Windows has no signal-0
// equivalent in the standard library; a matching PID column means the
// process is still present in the process table.
func processAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}
