// Package schedule owns the per-subscriber recurring notification jobs.
//
// Timer handles are process-local, so the subscriber->job map lives here and
// is reachable only through the service API; the persisted records under
// notification:{subject} are the source of truth across restarts.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

var (
	ErrInvalidCron       = errors.New("invalid cron expression")
	ErrDuplicateSchedule = errors.New("notification schedule already exists for this subject")
)

const keyPrefix = "notification:"

// Entry is the persisted shape of one schedule.
type Entry struct {
	CronExpr string `json:"cron_expression"`
	Message  string `json:"message"`
}

// Dispatcher delivers a scheduled message to a subject.
type Dispatcher interface {
	Send(ctx context.Context, subject, message string) error
}

type job struct {
	id        cron.EntryID
	entry     Entry
	cancelled atomic.Bool
}

type Service struct {
	store    store.Store
	dispatch Dispatcher
	log      logx.Logger

	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	jobs    map[string]*job
	started bool

	// fireTimeout bounds one dispatch invocation.
	fireTimeout time.Duration
}

func New(st store.Store, dispatch Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    st,
		dispatch: dispatch,
		log:      log,
		// Strict five-field grammar: minute hour dom month dow.
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		c:           cron.New(),
		jobs:        map[string]*job{},
		fireTimeout: 10 * time.Second,
	}
}

// Start begins firing timers. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.c.Start()
	s.started = true
	s.log.Info("notification scheduler started", logx.Int("schedules", len(s.jobs)))
}

// Stop halts the timers; an in-flight fire runs to completion. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("notification scheduler stopped")
}

// Schedule registers a recurring notification for subject and persists it.
// Fails with ErrInvalidCron on a bad expression and ErrDuplicateSchedule if
// the subject already has an active job.
func (s *Service) Schedule(ctx context.Context, subject, cronExpr, message string) error {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[subject]; exists {
		return ErrDuplicateSchedule
	}

	j := &job{entry: Entry{CronExpr: cronExpr, Message: message}}
	j.id = s.c.Schedule(sched, cron.FuncJob(func() {
		if j.cancelled.Load() {
			return
		}
		s.fire(subject, message)
	}))
	s.jobs[subject] = j

	b, _ := json.Marshal(j.entry)
	if err := s.store.Set(ctx, keyPrefix+subject, string(b), 0); err != nil {
		// Roll back the in-memory job so state stays consistent with the store.
		j.cancelled.Store(true)
		s.c.Remove(j.id)
		delete(s.jobs, subject)
		return err
	}

	s.log.Info("notification scheduled",
		logx.String("subject", subject),
		logx.String("cron", cronExpr),
	)
	return nil
}

// Update replaces the subject's schedule: cancel (idempotent) then schedule.
// The old job cannot fire once the cancel phase has run.
func (s *Service) Update(ctx context.Context, subject, cronExpr, message string) error {
	if err := s.Cancel(ctx, subject); err != nil {
		return err
	}
	return s.Schedule(ctx, subject, cronExpr, message)
}

// Cancel stops the subject's job and removes the persisted record.
// Cancelling a non-existent schedule is not an error.
func (s *Service) Cancel(ctx context.Context, subject string) error {
	s.mu.Lock()
	if j, ok := s.jobs[subject]; ok {
		j.cancelled.Store(true)
		s.c.Remove(j.id)
		delete(s.jobs, subject)
	}
	s.mu.Unlock()

	if err := s.store.Delete(ctx, keyPrefix+subject); err != nil {
		return err
	}
	s.log.Info("notification schedule cancelled", logx.String("subject", subject))
	return nil
}

// Get returns the persisted schedule for subject, if any.
func (s *Service) Get(ctx context.Context, subject string) (Entry, bool, error) {
	v, ok, err := s.store.Get(ctx, keyPrefix+subject)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt schedule record for %s: %w", subject, err)
	}
	return e, true, nil
}

// Rehydrate recreates in-memory jobs from the persisted records, so the job
// map matches the store after an unclean shutdown. Unreadable or invalid
// records are dropped from the store rather than kept forever dead.
func (s *Service) Rehydrate(ctx context.Context) error {
	keys, err := s.store.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}

	restored := 0
	for _, key := range keys {
		subject := strings.TrimPrefix(key, keyPrefix)
		e, ok, err := s.Get(ctx, subject)
		if err != nil || !ok {
			s.log.Warn("dropping unreadable schedule record", logx.String("key", key), logx.Err(err))
			_ = s.store.Delete(ctx, key)
			continue
		}
		if err := s.Schedule(ctx, subject, e.CronExpr, e.Message); err != nil {
			if errors.Is(err, ErrDuplicateSchedule) {
				continue // already live, e.g. Rehydrate called twice
			}
			s.log.Warn("dropping invalid schedule record",
				logx.String("subject", subject),
				logx.String("cron", e.CronExpr),
				logx.Err(err),
			)
			_ = s.store.Delete(ctx, key)
			continue
		}
		restored++
	}

	s.log.Info("schedules rehydrated", logx.Int("restored", restored), logx.Int("persisted", len(keys)))
	return nil
}

// Count returns the number of active in-memory jobs.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) fire(subject, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	if err := s.dispatch.Send(ctx, subject, message); err != nil {
		// The job stays registered; the next tick tries again.
		s.log.Error("scheduled notification failed",
			logx.String("subject", subject),
			logx.Err(err),
		)
		return
	}
	s.log.Debug("scheduled notification sent", logx.String("subject", subject))
}
