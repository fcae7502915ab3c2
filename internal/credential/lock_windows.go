//go:build windows

package credential

// acquireFileLock on Windows is a no-op. Writes still go through an atomic
// rename, and the in-process mutex serializes updates from this process.
func acquireFileLock(_ string) (unlock func(), err error) {
	return func() {}, nil
}
