// Package sdnotify speaks the systemd notification protocol over the
// NOTIFY_SOCKET datagram socket. No cgo, no libsystemd. Outside systemd
// every call is a no-op.
package sdnotify

import (
	"net"
	"os"
)

// Ready reports the agent fully initialized.
func Ready() error {
	return send("READY=1")
}

// Stopping reports an orderly shutdown in progress.
func Stopping() error {
	return send("STOPPING=1")
}

// Watchdog pets the systemd watchdog. Call it more often than the
// unit's WatchdogSec.
func Watchdog() error {
	return send("WATCHDOG=1")
}

// Status publishes a one-line state summary for systemctl status.
func Status(msg string) error {
	return send("STATUS=" + msg)
}

func send(state string) error {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}
