//go:build windows

package state

// pidAlive conservatively reports false so stale state files never block
// startup on Windows.
func pidAlive(int) bool { return false }
