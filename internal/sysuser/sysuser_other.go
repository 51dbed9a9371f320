//go:build !linux

package sysuser

import "log/slog"

func supported(logger *slog.Logger) (bool, error) {
	logger.Warn("privilege downgrade skipped: only supported on linux")
	return false, nil
}

func apply(int, int) error { return ErrUnsupported }
