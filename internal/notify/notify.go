// Package notify is the dispatch path: every outbound message passes the
// rate limiter, a global pacing bucket, and the chat transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketbot/internal/eventbus"
	"marketbot/internal/ratelimit"
	logx "marketbot/pkg/logx"
)

var (
	// ErrRateLimited means the subject is over its notification budget or
	// currently banned; the caller should skip and let the next cycle try.
	ErrRateLimited = errors.New("notification rate limit exceeded")

	// ErrCoolingDown means the transport asked us to back off for this
	// subject and the hold-off window has not elapsed yet.
	ErrCoolingDown = errors.New("transport cooldown active")
)

// RetryAfterError is returned by transports for 429-class failures. The
// hint is honored before the next attempt, never as an inline retry.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("transport rate limited, retry after %s", e.After)
}

// Sender delivers a text payload to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	RatePerSec  int           // global outbound pacing; default 3
	SendTimeout time.Duration // per-send bound; default 10s
}

type Service struct {
	sender  Sender
	limiter *ratelimit.Limiter
	bus     *eventbus.Bus
	log     logx.Logger

	pace    *rate.Limiter
	timeout time.Duration

	mu      sync.Mutex
	holdoff map[string]time.Time

	now func() time.Time
}

func New(cfg Config, sender Sender, limiter *ratelimit.Limiter, bus *eventbus.Bus, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sender:  sender,
		limiter: limiter,
		bus:     bus,
		log:     log,
		pace:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		timeout: cfg.SendTimeout,
		holdoff: map[string]time.Time{},
		now:     time.Now,
	}
}

// Send delivers text to subject, gated by the subject's notification budget
// and any active transport cooldown. A failed delivery is not retried here;
// the caller's next cycle is the retry.
func (s *Service) Send(ctx context.Context, subject, text string) error {
	chatID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid subject %q: %w", subject, err)
	}

	if until, ok := s.holdoffUntil(subject); ok {
		s.log.Debug("dispatch held off", logx.String("subject", subject), logx.Time("until", until))
		return ErrCoolingDown
	}

	// Fail-closed: a store error here denies the send.
	banned, err := s.limiter.IsBanned(ctx, subject)
	if err != nil {
		return err
	}
	if banned {
		return fmt.Errorf("%w: subject banned", ErrRateLimited)
	}
	res, err := s.limiter.Check(ctx, subject, ratelimit.CategoryNotifications)
	if err != nil {
		return err
	}
	if !res.Allowed {
		s.publish("notify.limited", subject, nil)
		return ErrRateLimited
	}

	if err := s.pace.Wait(ctx); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.sender.SendText(sctx, chatID, text)
	cancel()

	if err != nil {
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > 0 {
			s.setHoldoff(subject, ra.After)
		}
		s.publish("notify.failed", subject, err.Error())
		return err
	}

	s.publish("notify.sent", subject, nil)
	return nil
}

func (s *Service) holdoffUntil(subject string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.holdoff[subject]
	if !ok {
		return time.Time{}, false
	}
	if !s.now().Before(until) {
		delete(s.holdoff, subject)
		return time.Time{}, false
	}
	return until, true
}

func (s *Service) setHoldoff(subject string, d time.Duration) {
	s.mu.Lock()
	s.holdoff[subject] = s.now().Add(d)
	s.mu.Unlock()
	s.log.Warn("transport requested back-off",
		logx.String("subject", subject),
		logx.Duration("after", d),
	)
}

func (s *Service) publish(typ, subject string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Subject: subject, Data: data})
}
