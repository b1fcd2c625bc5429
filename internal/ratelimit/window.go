package ratelimit

import "sync"

// slidingWindow is the local sub-bucket estimator of spec.md §4.5: the
// window is divided into fixed-width sub-buckets, and a query sums
// whichever buckets currently fall entirely within the trailing window,
// dropping any bucket whose start has aged out of it — grounded on the
// bucketed ring-buffer approach of joeycumines-go-utilpkg/catrate's
// Limiter (itself a ring of timestamped events reduced to per-bucket
// counts here, since the RateLimiter only needs a count, not per-event
// timestamps).
type slidingWindow struct {
	mu          sync.Mutex
	bucketMS    int64
	numBuckets  int
	counts      []int64
	bucketStart []int64 // epoch-aligned start (ms) each slot currently represents
}

func newSlidingWindow(windowMS int64, numBuckets int) *slidingWindow {
	if numBuckets < 1 {
		numBuckets = 1
	}
	bucketMS := windowMS / int64(numBuckets)
	if bucketMS < 1 {
		bucketMS = 1
	}
	return &slidingWindow{
		bucketMS:    bucketMS,
		numBuckets:  numBuckets,
		counts:      make([]int64, numBuckets),
		bucketStart: make([]int64, numBuckets),
	}
}

// windowMS returns the estimator's effective window width.
func (w *slidingWindow) windowMS() int64 { return w.bucketMS * int64(w.numBuckets) }

// count returns the estimate of events within the trailing window as of
// nowMS, without mutating state.
func (w *slidingWindow) count(nowMS int64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked(nowMS)
}

func (w *slidingWindow) countLocked(nowMS int64) float64 {
	windowStart := nowMS - w.windowMS()
	var total float64
	for i, start := range w.bucketStart {
		if w.counts[i] == 0 {
			continue
		}
		// A bucket that started before the current window's start has
		// entirely aged out, even though its end may technically still
		// overlap windowStart by a fraction — weighting that fraction in
		// would let an event retain partial credit past the window it
		// belongs to. Drop it outright instead.
		if start < windowStart || start > nowMS {
			continue
		}
		total += float64(w.counts[i])
	}
	return total
}

// increment records cost events at nowMS in the bucket owning that
// instant, rotating the slot if it represents a stale epoch.
func (w *slidingWindow) increment(nowMS int64, cost int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := (nowMS / w.bucketMS) % int64(w.numBuckets)
	epoch := nowMS - nowMS%w.bucketMS
	if w.bucketStart[idx] != epoch {
		w.bucketStart[idx] = epoch
		w.counts[idx] = 0
	}
	w.counts[idx] += cost
}
