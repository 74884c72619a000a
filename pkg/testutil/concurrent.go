package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/sentinel"
)

// ConcurrentResult counts outcomes of calls made from parallel goroutines.
type ConcurrentResult struct {
	Successes   int32
	Conflicts   int32
	NotFounds   int32
	Unavailable int32
	Errors      int32
}

// Total returns the number of calls made.
func (r *ConcurrentResult) Total() int32 {
	return r.Successes + r.Conflicts + r.NotFounds + r.Unavailable + r.Errors
}

// RunConcurrent calls fn from n goroutines released at the same moment and
// buckets each returned error by sentinel or domain code.
func RunConcurrent(n int, fn func(idx int) error) *ConcurrentResult {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		res   [5]atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			res[bucket(fn(idx))].Add(1)
		}(i)
	}
	close(start)
	wg.Wait()

	return &ConcurrentResult{
		Successes:   res[0].Load(),
		Conflicts:   res[1].Load(),
		NotFounds:   res[2].Load(),
		Unavailable: res[3].Load(),
		Errors:      res[4].Load(),
	}
}

func bucket(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, sentinel.ErrConflict) || dErrors.HasCode(err, dErrors.CodeConflict):
		return 1
	case errors.Is(err, sentinel.ErrNotFound) || dErrors.HasCode(err, dErrors.CodeNotFound):
		return 2
	case errors.Is(err, sentinel.ErrUnavailable) || dErrors.HasCode(err, dErrors.CodeUnavailable):
		return 3
	default:
		return 4
	}
}
