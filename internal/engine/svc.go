package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errStopped = errors.New("subscription executor stopped")

var svcCount int64

// svc is a single-writer executor: jobs run one at a time, in submission
// order, on the svc's own goroutine.
type svc struct {
	jobs chan func()
	done chan struct{}
	once sync.Once
}

func newSvc() *svc {
	s := &svc{
		jobs: make(chan func()),
		done: make(chan struct{}),
	}
	atomic.AddInt64(&svcCount, 1)
	go s.run()
	return s
}

func (s *svc) run() {
	defer atomic.AddInt64(&svcCount, -1)
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.done:
			return
		}
	}
}

// stop ends the run loop after the current job. Jobs not yet accepted fail
// with errStopped.
func (s *svc) stop() {
	s.once.Do(func() { close(s.done) })
}

// svcSync runs code on s and waits for its result.
func svcSync[T any](ctx context.Context, s *svc, code func() (T, error)) (T, error) {
	result := make(chan struct{})
	var value T
	var err error
	job := func() {
		defer close(result)
		value, err = code()
	}
	select {
	case s.jobs <- job:
	case <-s.done:
		return value, errStopped
	case <-ctx.Done():
		return value, ctx.Err()
	}
	<-result
	return value, err
}
