//go:build windows

package main

import "os"

// notifyResize never fires on Windows, which has no SIGWINCH.
func notifyResize() (<-chan os.Signal, func()) {
	return make(chan os.Signal), func() {}
}
