//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// CheckPeerUID verifies the peer's effective UID equals ours; a mismatch
// means the connection is dropped silently.
func CheckPeerUID(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("ipc: peer cred: %w", err)
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return fmt.Errorf("ipc: peer cred control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("ipc: peer cred getsockopt: %w", sockErr)
	}
	if int(ucred.Uid) != os.Getuid() {
		return fmt.Errorf("ipc: peer uid %d does not match server uid %d", ucred.Uid, os.Getuid())
	}
	return nil
}
