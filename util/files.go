package util

import (
	"os"
	"path/filepath"
)

// FileExists reports whether the named file or directory exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// AtomicWriteFile writes data to a temporary file next to filename and
// renames it into place so that readers never observe a partial write.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(filename)
	tmp, err := os.CreateTemp(dir, base+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), filename)
}
