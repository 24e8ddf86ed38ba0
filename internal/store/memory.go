package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// Memory is a process-local Store. It is the default driver and the backend
// used by tests; state does not survive a restart.
type Memory struct {
	mu sync.Mutex
	m  map[string]memEntry

	// Now is the clock used for expiry checks. Tests may replace it.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{m: map[string]memEntry{}, Now: time.Now}
}

func (s *Memory) liveLocked(key string) (memEntry, bool) {
	e, ok := s.m[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !s.Now().Before(e.expires) {
		delete(s.m, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = s.Now().Add(ttl)
	}
	s.m[key] = e
	return nil
}

func (s *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = s.Now().Add(ttl)
	}
	s.m[key] = e
	return true, nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *Memory) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.liveLocked(key); ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
		n++
		e.value = strconv.FormatInt(n, 10)
		s.m[key] = e
		return n, nil
	}
	s.m[key] = memEntry{value: "1"}
	return 1, nil
}

func (s *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return nil
	}
	if ttl > 0 {
		e.expires = s.Now().Add(ttl)
	} else {
		e.expires = time.Time{}
	}
	s.m[key] = e
	return nil
}

func (s *Memory) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return 0, false, nil
	}
	if e.expires.IsZero() {
		return 0, true, nil
	}
	return e.expires.Sub(s.Now()), true, nil
}

func (s *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.liveLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Memory) Count(ctx context.Context, prefix string) (int64, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (s *Memory) Close() error { return nil }
