package dispatch

import (
	"context"
	"time"
)

// sleepSlice is the re-check granularity of interruptible sleeps. A
// cancellation request is honored within one slice even when the
// requested delay is minutes long.
const sleepSlice = time.Second

// sleepInterruptible waits for d, re-checking the cancellation signals
// every slice. It returns false if the wait was interrupted.
func sleepInterruptible(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	for d > 0 {
		slice := sleepSlice
		if d < slice {
			slice = d
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-stop:
			timer.Stop()
			return false
		case <-timer.C:
		}
		d -= slice
	}
	return true
}
