//go:build windows

package mqkit

import "os"

const signalsSupported = false

var interruptSignals = []os.Signal{os.Interrupt}
