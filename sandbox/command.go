package sandbox

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// In-sandbox layout
const (
	StdinPath           = "/stdin.in"
	ContainerNamePrefix = "CodeExecContainer_"
)

// TimeoutMarker is printed instead of failing when the program outlives
// its timeout.
const TimeoutMarker = "Timeout Error"

// killAfter is how long a program may outlive SIGTERM before the whole
// process group is sent SIGKILL.
const (
	killAfter    = 2 * time.Second
	killAfterArg = "2s"
)

// timeoutScript is constant; the timeout in seconds ($0) and the program
// argv ($@) arrive as positional parameters so no request value is ever
// parsed by the shell.
//
// The program runs under an inner shell that records its own exit status
// in a file. timeout(1) exits 124 after SIGTERM and 137 after SIGKILL; it
// only counts as a timeout when the recorded status differs, so a program
// that itself exits 124 or is OOM killed (137) keeps its status. A program
// that catches SIGTERM and deliberately exits with the same status is
// indistinguishable from one that finished on its own.
const timeoutScript = `f=/tmp/.execbox_rc.$$; ` +
	`timeout --kill-after=` + killAfterArg + ` "$0s" /bin/sh -c 'trap : TERM; "$@"; rc=$?; echo "$rc" > "$0"; exit "$rc"' "$f" "$@" < ` + StdinPath + `; ` +
	`rc=$?; prc=$(cat "$f" 2>/dev/null); rm -f "$f"; ` +
	`if { [ "$rc" -eq 124 ] || [ "$rc" -eq 137 ]; } && [ "$prc" != "$rc" ]; then echo '` + TimeoutMarker + `'; exit 0; fi; ` +
	`exit "$rc"`

// sandboxCommand wraps program with the in-sandbox timeout guard.
// timeoutSec is not validated; timeout(1) treats 0 as no limit and rejects
// negative values.
func sandboxCommand(program []string, timeoutSec int) []string {
	argv := make([]string, 0, len(program)+4)
	argv = append(argv, "/bin/sh", "-c", timeoutScript, strconv.Itoa(timeoutSec))
	return append(argv, program...)
}

// isTimeoutOutput reports whether output ends with the timeout marker.
func isTimeoutOutput(output string) bool {
	return strings.HasSuffix(strings.TrimRight(output, "\r\n "), TimeoutMarker)
}

// cpuSetForWorker maps a worker slot to a contiguous cpuset range so that
// workers pinned with the same cpuLimit never share cores.
func cpuSetForWorker(workerIndex, cpuLimit int) string {
	if cpuLimit < 1 {
		cpuLimit = 1
	}
	start := workerIndex * cpuLimit
	if cpuLimit > 1 {
		return fmt.Sprintf("%d-%d", start, start+cpuLimit-1)
	}
	return strconv.Itoa(start)
}
