package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"runbox/internal/exec/limits"
)

// cgroups v2 file interface. The daemon owns a delegated subtree; each
// sandbox gets its own leaf group removed again in destroy.

func createCgroup(root, sandboxID string) (string, func() error, error) {
	if root == "" {
		return "", nil, fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, sandboxID)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", nil, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() error {
		return os.RemoveAll(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, lim limits.LimitSet) error {
	pidsValue := "max"
	if lim.PIDs > 0 {
		pidsValue = strconv.FormatInt(lim.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if lim.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(lim.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func cgroupOomKilled(cgroupPath string) bool {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func cgroupMemoryPeakKB(cgroupPath string) int64 {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.peak"))
	if err != nil {
		return 0
	}
	val, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || val <= 0 {
		return 0
	}
	return val / 1024
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}
