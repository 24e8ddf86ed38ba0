package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"

	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []string
}

func (d *recordingDispatcher) Send(_ context.Context, subject, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, subject+"|"+message)
	return nil
}

func testService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, &recordingDispatcher{}, logx.Nop()), mem
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := testService(t)

	err := svc.Schedule(ctx, "100", "not a cron", "hi")
	if !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("err = %v, want ErrInvalidCron", err)
	}

	// Six fields is not the five-field grammar.
	err = svc.Schedule(ctx, "100", "0 0 * * * *", "hi")
	if !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("err = %v, want ErrInvalidCron for 6 fields", err)
	}

	if err := svc.Schedule(ctx, "100", "*/5 * * * *", "hi"); err != nil {
		t.Fatalf("valid schedule: %v", err)
	}
}

func TestDuplicateScheduleAndCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, mem := testService(t)

	if err := svc.Schedule(ctx, "7", "0 9 * * *", "digest"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	err := svc.Schedule(ctx, "7", "0 10 * * *", "other")
	if !errors.Is(err, ErrDuplicateSchedule) {
		t.Fatalf("err = %v, want ErrDuplicateSchedule", err)
	}

	if err := svc.Cancel(ctx, "7"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok, _ := mem.Get(ctx, "notification:7"); ok {
		t.Fatal("persisted record should be deleted")
	}
	// Cancel is idempotent.
	if err := svc.Cancel(ctx, "7"); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	// Subject can be scheduled again after cancel.
	if err := svc.Schedule(ctx, "7", "0 10 * * *", "other"); err != nil {
		t.Fatalf("re-Schedule after cancel: %v", err)
	}
}

func TestUpdateReplacesSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := testService(t)

	if err := svc.Schedule(ctx, "9", "0 9 * * *", "old message"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := svc.Update(ctx, "9", "30 18 * * *", "new message"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	e, ok, err := svc.Get(ctx, "9")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if e.CronExpr != "30 18 * * *" || e.Message != "new message" {
		t.Fatalf("entry = %+v, want the updated schedule", e)
	}
	if n := svc.Count(); n != 1 {
		t.Fatalf("active jobs = %d, want 1", n)
	}
}

func TestUpdateOnMissingSubjectSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := testService(t)

	if err := svc.Update(ctx, "11", "0 8 * * 1", "weekly"); err != nil {
		t.Fatalf("Update on fresh subject: %v", err)
	}
	if _, ok, _ := svc.Get(ctx, "11"); !ok {
		t.Fatal("schedule should exist after update")
	}
}

func TestRehydrate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := store.NewMemory()

	// Seed persisted records as a previous process would have left them.
	_ = mem.Set(ctx, "notification:1", `{"cron_expression":"0 9 * * *","message":"a"}`, 0)
	_ = mem.Set(ctx, "notification:2", `{"cron_expression":"*/10 * * * *","message":"b"}`, 0)
	_ = mem.Set(ctx, "notification:3", `{"cron_expression":"garbage","message":"c"}`, 0)
	_ = mem.Set(ctx, "notification:4", `not even json`, 0)

	svc := New(mem, &recordingDispatcher{}, logx.Nop())
	if err := svc.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if n := svc.Count(); n != 2 {
		t.Fatalf("active jobs = %d, want 2", n)
	}
	// Invalid records were dropped from the store.
	if _, ok, _ := mem.Get(ctx, "notification:3"); ok {
		t.Fatal("invalid cron record should have been dropped")
	}
	if _, ok, _ := mem.Get(ctx, "notification:4"); ok {
		t.Fatal("corrupt record should have been dropped")
	}

	// Rehydrating again is a no-op, not a duplicate-schedule failure.
	if err := svc.Rehydrate(ctx); err != nil {
		t.Fatalf("second Rehydrate: %v", err)
	}
	if n := svc.Count(); n != 2 {
		t.Fatalf("active jobs after second rehydrate = %d, want 2", n)
	}
}
