package queue

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// JobType is the kind of analysis work a job requests.
type JobType string

const (
	// TypeUser is an operator-triggered analysis, served first.
	TypeUser JobType = "user"
	// TypeFork analyzes the parent segment of a forked session.
	TypeFork JobType = "fork"
	// TypeInitial is the first analysis of an idle transcript range.
	TypeInitial JobType = "initial"
	// TypeReanalysis refreshes an existing node with a newer analyzer.
	TypeReanalysis JobType = "reanalysis"
	// TypeConnection is background connection-discovery work.
	TypeConnection JobType = "connection"
)

// Fixed priorities, lower first.
const (
	PriorityUser       = 0
	PriorityFork       = 10
	PriorityInitial    = 20
	PriorityReanalysis = 30
	PriorityConnection = 40
)

// PriorityFor maps a job type to its fixed priority. Unknown types sort last.
func PriorityFor(t JobType) int {
	switch t {
	case TypeUser:
		return PriorityUser
	case TypeFork:
		return PriorityFork
	case TypeInitial:
		return PriorityInitial
	case TypeReanalysis:
		return PriorityReanalysis
	case TypeConnection:
		return PriorityConnection
	default:
		return PriorityConnection + 10
	}
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one durable unit of analysis work.
type Job struct {
	ID          string
	Type        JobType
	Priority    int
	SessionPath string
	StartID     string
	EndID       string
	Context     string
	Status      Status
	RetryCount  int
	MaxRetries  int
	WorkerID    string
	LeaseExpiry time.Time
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	LastError   string
	ResultNode  string
}

// Input describes a job to enqueue.
type Input struct {
	Type        JobType
	SessionPath string
	StartID     string
	EndID       string
	Context     string

	// MaxRetries overrides the queue default when positive.
	MaxRetries int
}

// newJobID returns 16 hex characters from a cryptographic source.
func newJobID() (string, error) {
	var buf [8]byte

	_, err := rand.Read(buf[:])
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(buf[:]), nil
}
