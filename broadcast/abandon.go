package broadcast

import (
	"sync"
	"time"
)

// AbandonScheduler arms a single-shot grace timer per job when its last
// subscriber disconnects. If nobody resubscribes before the timer fires,
// the abandon callback runs; a resubscribe cancels the pending timer.
// At most one timer exists per job id.
type AbandonScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	grace  time.Duration

	// OnAbandon decides the job's fate. It runs on the timer goroutine
	// and must tolerate the job having reached a terminal status in the
	// meantime.
	OnAbandon func(jobID string)
}

func NewAbandonScheduler(grace time.Duration) *AbandonScheduler {
	return &AbandonScheduler{
		timers: make(map[string]*time.Timer),
		grace:  grace,
	}
}

// Schedule arms the grace timer for a job, replacing any pending one.
func (s *AbandonScheduler) Schedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[jobID]; ok {
		t.Stop()
	}
	s.timers[jobID] = time.AfterFunc(s.grace, func() { s.fire(jobID) })
}

// Cancel disarms a pending timer, if any.
func (s *AbandonScheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

// Stop disarms every pending timer.
func (s *AbandonScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *AbandonScheduler) fire(jobID string) {
	s.mu.Lock()
	_, pending := s.timers[jobID]
	delete(s.timers, jobID)
	s.mu.Unlock()

	// A Cancel that raced the timer wins.
	if !pending {
		return
	}
	if s.OnAbandon != nil {
		s.OnAbandon(jobID)
	}
}
