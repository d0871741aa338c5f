// Package files holds small filesystem helpers shared by the commands and the split writer.
package files

import (
	"os"

	"github.com/pkg/errors"
)

// Exists returns true if path exists. Errors other than "not found" are treated as "exists".
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// RemoveIfExists removes path. A path that doesn't exist is not an error.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "failed to remove %q", path)
}
