//go:build !linux

package timeout

// SignalAvailable reports whether the signal strategy can be used.
func SignalAvailable() bool {
	return false
}

func newSignalGuard() (Guard, error) {
	return nil, ErrUnavailable
}
