package service

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrProofQueued = errors.New("transaction reference already queued")
	ErrQueueFull   = errors.New("proof queue is full")
)

const DefaultProofQueueSize = 256

// PendingProof is a payment reference waiting for a trigger to name the IP
// it pays for.
type PendingProof struct {
	TransactionRef string
	SubmittedAt    time.Time
	Attempts       int
}

// ProofQueue is a FIFO of pending proofs. Proofs that failed for a
// transient reason go back to the front.
type ProofQueue struct {
	mu    sync.Mutex
	items []PendingProof
	max   int
}

func NewProofQueue(max int) *ProofQueue {
	if max <= 0 {
		max = DefaultProofQueueSize
	}
	return &ProofQueue{max: max}
}

func (q *ProofQueue) Push(p PendingProof) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(p.TransactionRef) {
		return ErrProofQueued
	}
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	return nil
}

// PushFront returns a proof to the head of the queue. It ignores the size
// limit since the proof was already admitted once.
func (q *ProofQueue) PushFront(p PendingProof) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(p.TransactionRef) {
		return
	}
	q.items = append([]PendingProof{p}, q.items...)
}

// Pop removes and returns the oldest proof.
func (q *ProofQueue) Pop() (PendingProof, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return PendingProof{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *ProofQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ProofQueue) containsLocked(ref string) bool {
	for _, it := range q.items {
		if it.TransactionRef == ref {
			return true
		}
	}
	return false
}
