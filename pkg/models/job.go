package models

import "time"

// JobKind identifies the work a queued job asks a worker to perform
type JobKind string

const (
	JobKindRotate  JobKind = "rotate"
	JobKindCollect JobKind = "collect"
	JobKindStop    JobKind = "stop"
)

// Job is one unit of asynchronous work for a test, published by the
// scheduler and consumed by the worker
type Job struct {
	ID         string    `json:"id"`
	TestID     string    `json:"test_id"`
	Kind       JobKind   `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
