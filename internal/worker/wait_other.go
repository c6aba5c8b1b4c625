//go:build !linux

package worker

// waitExited is not available here; callers fall back to a plain Wait.
func waitExited(int) bool { return false }
