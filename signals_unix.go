//go:build !windows

package mqkit

import (
	"os"
	"syscall"
)

const signalsSupported = true

var interruptSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
