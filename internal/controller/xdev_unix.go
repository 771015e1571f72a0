//go:build unix

package controller

import (
	"errors"

	"golang.org/x/sys/unix"
)

// crossDevice reports whether a rename failed because source and target are
// on different file systems.
func crossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
