//go:build linux

package fsm

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"
)

// tcpMD5SigMaxKeyLen matches the kernel's TCP_MD5SIG_MAXKEYLEN.
const tcpMD5SigMaxKeyLen = 80

// tcpMD5Sig mirrors struct tcp_md5sig from linux/tcp.h. x/sys/unix does not
// expose a stable binding for every kernel version, so the wire-compatible
// struct is laid out by hand here, matching the approach real Go BGP
// daemons use for this sockopt.
type tcpMD5Sig struct {
	addr      syscall.RawSockaddrInet4
	flags     uint8
	prefixlen uint8
	keylen    uint16
	_         uint32
	key       [tcpMD5SigMaxKeyLen]byte
}

const tcpMD5SigOpt = 14 // TCP_MD5SIG

// setMD5Key installs a TCP_MD5SIG signature key for the given connection
// and remote IPv4 address. See md5_other.go for the no-op fallback on
// every other GOOS.
func setMD5Key(conn *net.TCPConn, remote net.IP, key string) error {
	if key == "" {
		return nil
	}
	ip4 := remote.To4()
	if ip4 == nil {
		return fmt.Errorf("fsm: TCP_MD5SIG is only implemented for IPv4 peers")
	}
	if len(key) > tcpMD5SigMaxKeyLen {
		return fmt.Errorf("fsm: md5 key longer than %d bytes", tcpMD5SigMaxKeyLen)
	}

	var sig tcpMD5Sig
	sig.addr.Family = syscall.AF_INET
	copy(sig.addr.Addr[:], ip4)
	sig.keylen = uint16(len(key))
	copy(sig.key[:], key)

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("fsm: obtaining raw conn for md5 key: %w", err)
	}

	var sockErr error
	buf := (*[unsafe.Sizeof(sig)]byte)(unsafe.Pointer(&sig))[:]
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptString(int(fd), syscall.IPPROTO_TCP, tcpMD5SigOpt, string(buf))
	})
	if ctrlErr != nil {
		return fmt.Errorf("fsm: raw conn control for md5 key: %w", ctrlErr)
	}
	if sockErr != nil {
		return fmt.Errorf("fsm: setsockopt TCP_MD5SIG: %w", sockErr)
	}
	return nil
}
