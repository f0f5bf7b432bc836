package hvcore

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// Features lists the host CPU capabilities the hypervisor core depends on.
type Features struct {
	// PAE is always present once the CPU runs in long mode; CR4.PAE is
	// set in the host CR4.
	PAE bool
	// XSAVE reports OSXSAVE; CR4.OSXSAVE is set in the host CR4.
	XSAVE bool
}

// HostFeatures probes the CPU this process runs on.
func HostFeatures() Features {
	if runtime.GOARCH != "amd64" {
		return Features{}
	}
	return Features{
		PAE:   true,
		XSAVE: cpu.X86.HasOSXSAVE,
	}
}

var reportOnce sync.Once

// CheckFeatures returns ErrNoDevice if f lacks a capability required on
// arch ("amd64" or "arm64"). The first failure is logged at error level;
// callers must not continue without the feature.
func CheckFeatures(arch string, f Features) error {
	var missing string
	switch arch {
	case "amd64":
		if !f.PAE {
			missing = "PAE"
		} else if !f.XSAVE {
			missing = "OSXSAVE"
		}
	case "arm64":
		// EL2 and the VMSAv8-64 4KB granule are architectural.
	default:
		return fmt.Errorf("unsupported architecture %q: %w", arch, ErrNoDevice)
	}
	if missing == "" {
		return nil
	}
	err := fmt.Errorf("%s is not supported: %w", missing, ErrNoDevice)
	reportOnce.Do(func() {
		logger().Error("required CPU feature missing", "arch", arch, "feature", missing)
	})
	return err
}
