// Package boot restarts the device after a new image has been committed.
package boot

// DefaultCommand is the reboot command used when none is configured.
var DefaultCommand = []string{"systemctl", "reboot"}

// Restarter restarts the host. A successful Restart normally never returns
// to the caller because the process is torn down with the system.
type Restarter interface {
	Restart() error
}
