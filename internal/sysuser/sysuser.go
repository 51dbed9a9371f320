// Package sysuser permanently downgrades process privileges, for daemons
// started as root that should do their work as an unprivileged user.
package sysuser

import (
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
)

// ErrUnsupported is returned when the downgrade cannot apply on this
// platform or for the current user. Callers treating the downgrade as
// best-effort may log and continue.
var ErrUnsupported = errors.New("sysuser: downgrade not supported here")

// Downgrade permanently changes the process user and group to username.
// Only meaningful on Linux and only when running as root; other cases
// return ErrUnsupported. An unknown user or a failed switch is an error.
func Downgrade(username string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ok, err := supported(logger)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnsupported
	}

	target, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("sysuser: user %s does not exist: %w", username, err)
	}

	uid, err := strconv.Atoi(target.Uid)
	if err != nil {
		return fmt.Errorf("sysuser: parsing uid %q: %w", target.Uid, err)
	}
	gid, err := strconv.Atoi(target.Gid)
	if err != nil {
		return fmt.Errorf("sysuser: parsing gid %q: %w", target.Gid, err)
	}

	if err := apply(uid, gid); err != nil {
		return err
	}

	logger.Info("process privileges downgraded", "user", username, "uid", uid, "gid", gid)
	return nil
}
