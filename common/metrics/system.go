// Package metrics captures static runtime information, logged at
// startup and reported by the health endpoint so operators can tell
// instances apart.
package metrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// SystemInfo holds static system information captured once at startup.
type SystemInfo struct {
	Hostname         string `json:"hostname"`
	OS               string `json:"os"`
	Arch             string `json:"arch"`
	CPULogical       int    `json:"cpu_logical"`
	GoVersion        string `json:"go_version"`
	InContainer      bool   `json:"in_container"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
	TotalMemoryMB    uint64 `json:"total_memory_mb,omitempty"`
}

var (
	systemInfo *SystemInfo
	once       sync.Once
)

// GetSystemInfo returns cached system information, captured on first
// call.
func GetSystemInfo() *SystemInfo {
	once.Do(func() {
		systemInfo = capture()
	})
	return systemInfo
}

// LogFields returns the info as alternating key/value pairs for
// structured logging.
func (si *SystemInfo) LogFields() []any {
	fields := []any{
		"hostname", si.Hostname,
		"os", si.OS,
		"arch", si.Arch,
		"cpus", si.CPULogical,
		"go_version", si.GoVersion,
	}
	if si.InContainer {
		fields = append(fields, "container_runtime", si.ContainerRuntime)
	}
	return fields
}

func capture() *SystemInfo {
	info := &SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	info.InContainer, info.ContainerRuntime = detectContainer()
	info.TotalMemoryMB = totalMemoryMB()

	return info
}

// detectContainer checks if running in a container.
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		switch {
		case strings.Contains(content, "docker"):
			return true, "docker"
		case strings.Contains(content, "kubepods"):
			return true, "kubernetes"
		case strings.Contains(content, "containerd"):
			return true, "containerd"
		}
	}
	return false, ""
}

// totalMemoryMB reads total memory from /proc/meminfo; zero on
// platforms without it.
func totalMemoryMB() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
