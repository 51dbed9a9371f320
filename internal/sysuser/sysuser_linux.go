package sysuser

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
)

// supported reports whether a downgrade can apply: only root can switch.
func supported(logger *slog.Logger) (bool, error) {
	if os.Getuid() != 0 {
		logger.Warn("privilege downgrade skipped: not running as root")
		return false, nil
	}
	return true, nil
}

// apply switches group first (requires the old uid's privileges), drops
// supplementary groups, then switches user, and verifies the result.
func apply(uid, gid int) error {
	if err := syscall.Setgroups([]int{}); err != nil {
		return fmt.Errorf("sysuser: clearing supplementary groups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("sysuser: setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("sysuser: setuid %d: %w", uid, err)
	}

	if os.Getuid() != uid || os.Getgid() != gid {
		return fmt.Errorf("sysuser: downgrade verification failed: uid=%d gid=%d", os.Getuid(), os.Getgid())
	}
	return nil
}
