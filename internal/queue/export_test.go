package queue

import "time"

// Test hooks for deterministic time and backoff.

func (q *Queue) SetNowFunc(f func() time.Time) { q.now = f }

func (q *Queue) SetJitterFunc(f func(time.Duration) time.Duration) { q.jitterF = f }
