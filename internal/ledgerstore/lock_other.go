//go:build !unix

package ledgerstore

import "os"

// No advisory locking off unix; the in-process mutex still serializes writers.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
