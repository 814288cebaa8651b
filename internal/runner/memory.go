package runner

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// processRSS reports the resident set size of a running build.
func processRSS(pid int) (uint64, bool) {
	return readRSSBytes(filepath.Join("/proc", strconv.Itoa(pid), "status"))
}

// readRSSBytes reads VmRSS from a /proc status file.
func readRSSBytes(path string) (uint64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
