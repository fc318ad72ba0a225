// SPDX-License-Identifier: MIT

// Package scheduler provides an in-memory delayed task scheduler with
// deduplication by fingerprint. It exists for post-grab import checks:
// a grab event schedules a check in the future, and a matching import
// event cancels it before it fires.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Trigger names why a task was scheduled.
type Trigger string

const (
	TriggerPostGrabCheck Trigger = "post_grab_check"
	TriggerRetry         Trigger = "retry"
)

// Fingerprint identifies a task. Scheduling the same fingerprint twice
// before it fires coalesces into one task.
type Fingerprint struct {
	EpisodeID  int
	DownloadID string
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%d/%s", f.EpisodeID, f.DownloadID)
}

// Task is one pending check.
type Task struct {
	Fingerprint Fingerprint
	DueAt       time.Time
	Trigger     Trigger

	seq uint64 // submission order for past-due ties
}

// Result reports what Schedule did.
type Result string

const (
	ResultScheduled Result = "scheduled"
	ResultCoalesced Result = "coalesced"
)

// Handler runs when a task fires. The task has already been removed
// from the scheduler, so the handler may reschedule the same
// fingerprint.
type Handler func(ctx context.Context, task Task)

// Scheduler fires tasks at their due time using a single re-armed
// timer. All methods are safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[Fingerprint]*Task
	seq     uint64
	wake    chan struct{}
	handler Handler
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a scheduler that invokes handler for every fired task.
func New(handler Handler, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:   make(map[Fingerprint]*Task),
		wake:    make(chan struct{}, 1),
		handler: handler,
		log:     logger,
		now:     time.Now,
	}
}

// Schedule registers a task for fp at dueAt. If a task with the same
// fingerprint is already pending, the later due time and the new
// trigger win and Coalesced is returned.
func (s *Scheduler) Schedule(fp Fingerprint, dueAt time.Time, trigger Trigger) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[fp]; ok {
		if dueAt.After(existing.DueAt) {
			existing.DueAt = dueAt
		}
		existing.Trigger = trigger
		s.log.Debug().
			Str("event", "scheduler.coalesce").
			Str("fingerprint", fp.String()).
			Time("due_at", existing.DueAt).
			Msg("coalesced into pending task")
		s.notify()
		return ResultCoalesced
	}

	s.seq++
	s.tasks[fp] = &Task{
		Fingerprint: fp,
		DueAt:       dueAt,
		Trigger:     trigger,
		seq:         s.seq,
	}
	s.log.Debug().
		Str("event", "scheduler.schedule").
		Str("fingerprint", fp.String()).
		Str("trigger", string(trigger)).
		Time("due_at", dueAt).
		Msg("task scheduled")
	s.notify()
	return ResultScheduled
}

// Cancel removes a pending task. It reports whether one existed.
func (s *Scheduler) Cancel(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[fp]; !ok {
		return false
	}
	delete(s.tasks, fp)
	s.log.Debug().
		Str("event", "scheduler.cancel").
		Str("fingerprint", fp.String()).
		Msg("task canceled")
	s.notify()
	return true
}

// Pending returns the number of tasks waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run blocks until ctx is canceled, firing tasks as they come due.
// Past-due tasks fire immediately in submission order. Each task is
// removed before its handler runs.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		due, next := s.takeDue()

		for _, task := range due {
			if ctx.Err() != nil {
				return
			}
			s.fire(ctx, task)
		}
		if len(due) > 0 {
			// Firing may have rescheduled; recompute before waiting.
			continue
		}

		if next.IsZero() {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer.Reset(time.Until(next))
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("event", "scheduler.handler_panic").
				Str("fingerprint", task.Fingerprint.String()).
				Interface("panic", r).
				Msg("task handler panicked")
		}
	}()
	s.log.Debug().
		Str("event", "scheduler.fire").
		Str("fingerprint", task.Fingerprint.String()).
		Str("trigger", string(task.Trigger)).
		Msg("task due")
	s.handler(ctx, *task)
}

// takeDue removes and returns all due tasks ordered by submission, plus
// the due time of the earliest remaining task (zero when none remain).
func (s *Scheduler) takeDue() ([]*Task, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*Task
	var next time.Time
	for fp, task := range s.tasks {
		if !task.DueAt.After(now) {
			due = append(due, task)
			delete(s.tasks, fp)
			continue
		}
		if next.IsZero() || task.DueAt.Before(next) {
			next = task.DueAt
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	return due, next
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
