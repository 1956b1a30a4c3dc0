// Package gpu enumerates local NVIDIA devices and picks the least loaded
// one for a locally launched backend.
package gpu

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// ErrNoGPU is returned when no device could be found
var ErrNoGPU = errors.New("no GPU detected")

// Device is a snapshot of one GPU
type Device struct {
	Index       int
	Name        string
	MemoryUsed  int // MB
	MemoryTotal int // MB
	Utilization int // percent
	Temperature int // Celsius, 0 when unknown
}

// MemoryFree returns the unused memory in MB
func (d Device) MemoryFree() int {
	return d.MemoryTotal - d.MemoryUsed
}

// String returns a human-readable summary of the device
func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = "GPU"
	}
	return fmt.Sprintf("#%d %s (util=%d%%, mem=%d/%dMB)",
		d.Index, name, d.Utilization, d.MemoryUsed, d.MemoryTotal)
}

// Lookup hooks, replaced in tests
var (
	listNVML = queryNVML
	runSMI   = func() ([]byte, error) {
		return exec.Command("nvidia-smi",
			"--query-gpu=index,memory.used,memory.total,utilization.gpu",
			"--format=csv,noheader,nounits").Output()
	}
)

// List returns every visible device. NVML is used when available, otherwise
// the output of nvidia-smi is parsed.
func List() ([]Device, error) {
	devices, err := listNVML()
	if err == nil {
		return devices, nil
	}
	log.Printf("NVML unavailable (%v), falling back to nvidia-smi", err)

	out, err := runSMI()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi not available or failed: %w", err)
	}
	return ParseSMI(string(out))
}

func queryNVML() ([]Device, error) {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to initialize NVML: %v", nvml.ErrorString(ret))
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to count GPU devices: %v", nvml.ErrorString(ret))
	}

	devices := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("failed to get GPU device %d: %v", i, nvml.ErrorString(ret))
		}

		d := Device{Index: i}
		if name, ret := handle.GetName(); ret == nvml.SUCCESS {
			d.Name = name
		}
		if util, ret := handle.GetUtilizationRates(); ret == nvml.SUCCESS {
			d.Utilization = int(util.Gpu)
		}
		if mem, ret := handle.GetMemoryInfo(); ret == nvml.SUCCESS {
			d.MemoryUsed = int(mem.Used / (1024 * 1024))
			d.MemoryTotal = int(mem.Total / (1024 * 1024))
		}
		if temp, ret := handle.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			d.Temperature = int(temp)
		}
		devices = append(devices, d)
	}

	if len(devices) == 0 {
		return nil, ErrNoGPU
	}
	return devices, nil
}

// ParseSMI parses "index, memory.used, memory.total, utilization.gpu" rows
// as printed by nvidia-smi with csv,noheader,nounits.
func ParseSMI(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			return nil, fmt.Errorf("unexpected nvidia-smi output format: %s", line)
		}

		values := make([]int, 4)
		for i := range values {
			v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil {
				return nil, fmt.Errorf("failed to parse nvidia-smi field %d of %q: %w", i, line, err)
			}
			values[i] = v
		}

		devices = append(devices, Device{
			Index:       values[0],
			MemoryUsed:  values[1],
			MemoryTotal: values[2],
			Utilization: values[3],
		})
	}

	if len(devices) == 0 {
		return nil, ErrNoGPU
	}
	return devices, nil
}

// SelectBest returns the device with the least memory in use, preferring
// lower utilization on ties and the lower index after that.
func SelectBest(devices []Device) (Device, error) {
	if len(devices) == 0 {
		return Device{}, ErrNoGPU
	}

	sorted := append([]Device(nil), devices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.MemoryUsed != b.MemoryUsed {
			return a.MemoryUsed < b.MemoryUsed
		}
		if a.Utilization != b.Utilization {
			return a.Utilization < b.Utilization
		}
		return a.Index < b.Index
	})
	return sorted[0], nil
}

// VisibleDevices resolves a backend gpu setting to a CUDA_VISIBLE_DEVICES
// value: "auto" picks the best device, "none" leaves it unset (""), and a
// number is used as is.
func VisibleDevices(setting string) (string, error) {
	switch setting {
	case "none":
		return "", nil
	case "", "auto":
		devices, err := List()
		if err != nil {
			return "", err
		}
		best, err := SelectBest(devices)
		if err != nil {
			return "", err
		}
		log.Printf("Selected GPU %s", best)
		return strconv.Itoa(best.Index), nil
	}

	if _, err := strconv.Atoi(setting); err != nil {
		return "", fmt.Errorf("invalid gpu setting %q", setting)
	}
	return setting, nil
}
