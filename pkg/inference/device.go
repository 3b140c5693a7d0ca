package inference

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoDevice is returned by a [DeviceProbe] when no accelerator is present.
var ErrNoDevice = errors.New("inference: no accelerator device found")

// Device describes the accelerator a local engine would run on.
type Device struct {
	// Name is the vendor product name, e.g. "NVIDIA A100-SXM4-80GB".
	Name string

	// ComputeMajor and ComputeMinor form the compute capability tier.
	ComputeMajor int
	ComputeMinor int
}

// AtLeast reports whether the device's compute capability is >= major.minor.
func (d Device) AtLeast(major, minor int) bool {
	if d.ComputeMajor != major {
		return d.ComputeMajor > major
	}
	return d.ComputeMinor >= minor
}

// String returns "name (major.minor)".
func (d Device) String() string {
	return fmt.Sprintf("%s (%d.%d)", d.Name, d.ComputeMajor, d.ComputeMinor)
}

// DeviceProbe reports the accelerator available to local engines.
type DeviceProbe interface {
	Probe(ctx context.Context) (Device, error)
}

// DeviceProbeFunc adapts a function to [DeviceProbe].
type DeviceProbeFunc func(ctx context.Context) (Device, error)

// Probe implements DeviceProbe.
func (f DeviceProbeFunc) Probe(ctx context.Context) (Device, error) { return f(ctx) }

// NvidiaSMIProbe queries nvidia-smi for the first GPU's compute capability.
type NvidiaSMIProbe struct {
	// Path overrides the nvidia-smi binary location. Empty means $PATH lookup.
	Path string
}

// Probe implements DeviceProbe.
func (p NvidiaSMIProbe) Probe(ctx context.Context) (Device, error) {
	bin := p.Path
	if bin == "" {
		var err error
		bin, err = exec.LookPath("nvidia-smi")
		if err != nil {
			return Device{}, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}
	out, err := exec.CommandContext(ctx, bin,
		"--query-gpu=name,compute_cap", "--format=csv,noheader").Output()
	if err != nil {
		return Device{}, fmt.Errorf("inference: run nvidia-smi: %w", err)
	}
	return parseSMIOutput(out)
}

// parseSMIOutput parses "name, major.minor" lines and returns the first GPU.
func parseSMIOutput(out []byte) (Device, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, capStr, ok := strings.Cut(line, ",")
		if !ok {
			return Device{}, fmt.Errorf("inference: malformed nvidia-smi line %q", line)
		}
		majStr, minStr, ok := strings.Cut(strings.TrimSpace(capStr), ".")
		if !ok {
			return Device{}, fmt.Errorf("inference: malformed compute capability %q", capStr)
		}
		major, err := strconv.Atoi(majStr)
		if err != nil {
			return Device{}, fmt.Errorf("inference: parse compute major %q: %w", majStr, err)
		}
		minor, err := strconv.Atoi(minStr)
		if err != nil {
			return Device{}, fmt.Errorf("inference: parse compute minor %q: %w", minStr, err)
		}
		return Device{Name: strings.TrimSpace(name), ComputeMajor: major, ComputeMinor: minor}, nil
	}
	return Device{}, ErrNoDevice
}
