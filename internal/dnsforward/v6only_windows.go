//go:build windows

package dnsforward

import (
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/windows"
)

// v6OnlyCtrl is the function set on net.ListenConfig.Control when binding
// the "::" address in dual-stack mode. It restricts the socket to the IPv6
// family so it does not also claim IPv4-mapped traffic and collide with the
// "0.0.0.0" socket bound alongside it.
func v6OnlyCtrl(_, _ string, c syscall.RawConn) (err error) {
	cerr := c.Control(func(fd uintptr) {
		err = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1)
	})

	err = errors.Join(err, cerr)

	return errors.Annotate(err, "setting control options: %w")
}
