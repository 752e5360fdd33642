//go:build !linux

package fsm

import (
	"fmt"
	"net"
)

// setMD5Key cannot install a key outside Linux; TCP_MD5SIG is a Linux-only
// sockopt. It returns nil for an empty key and an error otherwise; the
// driver logs that error and proceeds without signing, rather than failing
// the session outright.
func setMD5Key(conn *net.TCPConn, remote net.IP, key string) error {
	if key == "" {
		return nil
	}
	return fmt.Errorf("fsm: TCP_MD5SIG is not supported on this platform")
}
