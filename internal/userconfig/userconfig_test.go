package userconfig

import (
	"context"
	"encoding/json"
	"testing"

	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return New(store.NewMemory(), logx.Nop())
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := testService(t)

	cfg := Default()
	cfg.Search.Brands = []string{"acme"}
	cfg.Search.Conditions = []string{"new", "good"}
	if err := svc.Set(ctx, "42", cfg); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := svc.Get(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Search.Brands[0] != "acme" || len(got.Search.Conditions) != 2 {
		t.Fatalf("got = %+v", got)
	}

	if _, ok, _ := svc.Get(ctx, "other"); ok {
		t.Fatal("unset user should have no config")
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := testService(t)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad condition", func(c *Config) { c.Search.Conditions = []string{"mint"} }},
		{"negative price", func(c *Config) { c.Search.PriceRange.Min = -1 }},
		{"max below min", func(c *Config) { c.Search.PriceRange = PriceRange{Min: 50, Max: 10} }},
		{"bad frequency", func(c *Config) { c.Notifications.Frequency = "weekly" }},
		{"hour out of range", func(c *Config) { c.Notifications.ActiveHours.End = 24 }},
		{"bad method", func(c *Config) { c.Notifications.Methods = []string{"smoke-signal"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := svc.Set(ctx, "1", cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	// Nothing invalid was stored.
	if _, ok, _ := svc.Get(ctx, "1"); ok {
		t.Fatal("invalid config must not be persisted")
	}
}

func TestUpdateMergesSections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := testService(t)

	cfg := Default()
	cfg.Search.Brands = []string{"acme"}
	if err := svc.Set(ctx, "7", cfg); err != nil {
		t.Fatalf("Set: %v", err)
	}

	patch := json.RawMessage(`{"notificationPreferences":{"frequency":"daily","activeHours":{"start":9,"end":18},"notificationMethods":["telegram"]}}`)
	got, err := svc.Update(ctx, "7", patch)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Notifications.Frequency != "daily" {
		t.Fatalf("frequency = %q", got.Notifications.Frequency)
	}
	// The untouched section survives the merge.
	if len(got.Search.Brands) != 1 || got.Search.Brands[0] != "acme" {
		t.Fatalf("search prefs lost in merge: %+v", got.Search)
	}
}

func TestUpdateStartsFromDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := testService(t)

	got, err := svc.Update(ctx, "9", json.RawMessage(`{"searchPreferences":{"categories":["10"],"priceRange":{"min":0,"max":50}}}`))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Notifications.Frequency != "immediate" {
		t.Fatalf("defaults not applied: %+v", got.Notifications)
	}
	if got.Search.PriceRange.Max != 50 {
		t.Fatalf("patch not applied: %+v", got.Search)
	}
}

func TestUpdateRejectsUnknownSection(t *testing.T) {
	t.Parallel()
	svc := testService(t)
	if _, err := svc.Update(context.Background(), "3", json.RawMessage(`{"webhooks":{}}`)); err == nil {
		t.Fatal("expected error for unknown section")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := testService(t)

	if err := svc.Set(ctx, "5", Default()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := svc.Delete(ctx, "5"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := svc.Get(ctx, "5"); ok {
		t.Fatal("config should be gone")
	}
	if err := svc.Delete(ctx, "5"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestSearchParamsProjection(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Search.Categories = []string{"10", "20"}
	cfg.Search.Brands = []string{"3"}
	cfg.Search.Conditions = []string{"new", "very_good"}
	cfg.Search.PriceRange = PriceRange{Min: 5, Max: 80}

	p := cfg.SearchParams()
	if p.CatalogIDs != "10,20" || p.BrandIDs != "3" {
		t.Fatalf("params = %+v", p)
	}
	if p.StatusIDs != "1,2" {
		t.Fatalf("status ids = %q", p.StatusIDs)
	}
	if p.PriceFrom != 5 || p.PriceTo != 80 {
		t.Fatalf("price bounds = %v..%v", p.PriceFrom, p.PriceTo)
	}
}

func TestActiveHoursWindow(t *testing.T) {
	t.Parallel()
	day := NotificationPreferences{ActiveHours: ActiveHours{Start: 8, End: 22}}
	if !day.Active(12) || day.Active(23) || day.Active(7) {
		t.Fatal("daytime window misbehaves")
	}
	night := NotificationPreferences{ActiveHours: ActiveHours{Start: 22, End: 6}}
	if !night.Active(23) || !night.Active(2) || night.Active(12) {
		t.Fatal("overnight window misbehaves")
	}
	always := NotificationPreferences{ActiveHours: ActiveHours{Start: 0, End: 0}}
	if !always.Active(3) {
		t.Fatal("equal bounds should mean always on")
	}
}
