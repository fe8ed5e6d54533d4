package fetcher

import "sync/atomic"

// stopReplProducer is a test failpoint. While enabled, the cursor driver
// behaves as if the cursor returned an empty batch instead of issuing the
// next batch request. A single process-wide boolean checked once per drain
// iteration.
var stopReplProducer atomic.Bool

// SetStopReplProducer enables or disables the stopReplProducer failpoint.
func SetStopReplProducer(enabled bool) { stopReplProducer.Store(enabled) }

// StopReplProducerEnabled reports the current failpoint state.
func StopReplProducerEnabled() bool { return stopReplProducer.Load() }

// CompareAndSetStopReplProducer sets the failpoint to new only if it is
// currently old, and reports whether it did.
func CompareAndSetStopReplProducer(old, new bool) bool {
	return stopReplProducer.CompareAndSwap(old, new)
}
