package log

import "runtime/debug"

// SafeGo starts fn on a new goroutine with panic recovery. A recovered
// panic is logged with the goroutine's name and stack instead of
// crashing the daemon.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatDaemon, "goroutine panic",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
