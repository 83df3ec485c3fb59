//go:build !unix

package coremain

import "os"

func notifySyncSignal(chan<- os.Signal) bool { return false }

func stopSyncSignal(chan<- os.Signal) {}
