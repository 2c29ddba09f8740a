// Package tundev adopts an already-open TUN file descriptor as an
// io.ReadWriteCloser. Opening and configuring the device itself (name,
// addressing, routes) is an external collaborator's job, out of scope
// here: this package only wraps the fd the embedder hands over.
//
// Grounded on gotun2socks's handling of dev io.ReadWriteCloser (New takes
// the device as an already-open interface) and on golang.org/x/sys/unix
// for the raw fd plumbing.
package tundev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FromFD wraps an already-open TUN file descriptor as an io.ReadWriteCloser.
// Ownership of fd passes to the returned value: closing it closes fd.
func FromFD(fd int) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("tundev: invalid fd %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("tundev: set nonblocking: %w", err)
	}
	return os.NewFile(uintptr(fd), "tun"), nil
}

// Opener is the seam for the external collaborator that actually creates
// and configures a platform TUN device (name, address, MTU, routes). No
// code in this module implements or accepts one; the tunnel only adopts
// an already-open fd through FromFD.
type Opener interface {
	Open(name string, mtu int) (fd int, actualName string, err error)
}
