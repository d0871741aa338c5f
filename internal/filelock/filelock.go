// Package filelock serializes processes writing the same output through a lock file.
package filelock

import (
	"math/rand"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PollPeriod is the minimum wait between attempts to acquire a busy lock.
// A random jitter of up to the same amount is added to each wait.
var PollPeriod = time.Second

// Exec opens the lockPath file (or creates it if it doesn't yet exist), locks it and executes fn.
// If lockPath is already locked, it polls until it acquires the lock.
//
// The lockPath is not removed. It's safe to remove it from fn, if one knows that no new calls to
// Exec with the same lockPath are going to be made.
//
// The error returned by fn is returned as is; lock errors are wrapped with the lock path.
func Exec(lockPath string, fn func() error) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, lockErr := fileLock.TryLock()
		if lockErr != nil {
			return errors.Wrapf(lockErr, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		klog.V(1).Infof("Waiting for lock %q", lockPath)
		time.Sleep(PollPeriod + time.Duration(rand.Int63n(int64(PollPeriod)+1)))
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr == nil {
			return
		}
		if err == nil {
			err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
		} else {
			klog.Errorf("Error unlocking file %q: %v", lockPath, unlockErr)
		}
	}()
	return fn()
}
