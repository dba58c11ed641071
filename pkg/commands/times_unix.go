//go:build unix

package commands

import (
	"time"

	"golang.org/x/sys/unix"
)

// lchtimes sets the times of path itself, not of a symlink's target.
func lchtimes(path string, t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Lutimes(path, []unix.Timeval{tv, tv})
}
