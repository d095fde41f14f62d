package circuitbreaker

import "time"

type bucket struct {
	epoch    int64
	success  int
	failures int
}

// window is a time-bucketed rolling counter. Bucket i covers one slice of
// width w; a bucket whose epoch is older than len(buckets) slices is stale
// and contributes nothing.
type window struct {
	width   time.Duration
	buckets []bucket
}

func newWindow(span time.Duration, n int) *window {
	if n <= 0 {
		n = 1
	}
	width := span / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &window{width: width, buckets: make([]bucket, n)}
}

func (w *window) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

func (w *window) add(now time.Time, failure bool) {
	e := w.epoch(now)
	b := &w.buckets[e%int64(len(w.buckets))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	if failure {
		b.failures++
	} else {
		b.success++
	}
}

// totals sums the live buckets.
func (w *window) totals(now time.Time) (success, failures int) {
	cur := w.epoch(now)
	oldest := cur - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.epoch >= oldest && b.epoch <= cur {
			success += b.success
			failures += b.failures
		}
	}
	return success, failures
}

func (w *window) reset() {
	clear(w.buckets)
}
