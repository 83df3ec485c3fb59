//go:build unix

package coremain

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifySyncSignal relays SIGUSR1, the connectivity restored signal, to c.
func notifySyncSignal(c chan<- os.Signal) bool {
	signal.Notify(c, unix.SIGUSR1)
	return true
}

func stopSyncSignal(c chan<- os.Signal) {
	signal.Stop(c)
}
