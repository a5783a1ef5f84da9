package index

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// writeFileAtomic writes data to path by creating a temporary file in the
// same directory, flushing and closing it, setting its permissions, and
// finally renaming it over path. This guarantees that readers never observe
// a torn write: path either has its previous contents or the new ones.
func writeFileAtomic(path string, data []byte, permissions os.FileMode) error {
	dirname, basename := filepath.Split(path)
	if dirname == "" {
		dirname = "."
	}

	temporary, err := os.CreateTemp(dirname, basename)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary file")
	}
	temporaryPath := temporary.Name()

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return errors.Wrap(err, "unable to write data to temporary file")
	}

	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return errors.Wrap(err, "unable to close temporary file")
	}

	if err := os.Chmod(temporaryPath, permissions); err != nil {
		os.Remove(temporaryPath)
		return errors.Wrap(err, "unable to set temporary file permissions")
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return errors.Wrap(err, "unable to rename temporary file into place")
	}

	return nil
}
