//go:build linux

package executor

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
)

// limitMemory caps the data segment of the current process at its present
// size plus budget. Heap growth past the cap fails in the kernel and the Go
// runtime aborts with an out of memory error. The soft limit below the cap
// makes the collector work before that happens.
func limitMemory(budget uint64) error {
	runtime.GC()
	debug.FreeOSMemory()

	base, err := dataSegmentBytes()
	if err != nil {
		return err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	debug.SetMemoryLimit(int64(ms.Sys-ms.HeapReleased) + int64(budget/4*3))

	limit := base + budget
	return syscall.Setrlimit(syscall.RLIMIT_DATA, &syscall.Rlimit{Cur: limit, Max: limit})
}

// dataSegmentBytes reads VmData from /proc/self/status.
func dataSegmentBytes() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmData:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "VmData:"))
		if len(fields) == 0 {
			break
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse VmData: %w", err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("VmData not found in /proc/self/status")
}
