//go:build !linux

package boot

import (
	"fmt"
	"runtime"
)

// StubRestarter refuses to restart on platforms without a supported reboot path.
type StubRestarter struct{}

// NewRestarter creates a stub restarter on non-Linux systems.
func NewRestarter(command []string) (Restarter, error) {
	return &StubRestarter{}, nil
}

func (r *StubRestarter) Restart() error {
	return fmt.Errorf("device restart not supported on %s", runtime.GOOS)
}
