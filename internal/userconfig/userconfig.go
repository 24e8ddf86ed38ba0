// Package userconfig stores per-user search and notification preferences.
package userconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"marketbot/internal/market"
	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

const keySuffix = ":config"

var valid = validator.New(validator.WithRequiredStructEnabled())

// PriceRange bounds item prices in a search. Zero means unbounded.
type PriceRange struct {
	Min float64 `json:"min" validate:"gte=0"`
	Max float64 `json:"max" validate:"gte=0,gtefield=Min"`
}

type SearchPreferences struct {
	Categories []string   `json:"categories"`
	PriceRange PriceRange `json:"priceRange"`
	Sizes      []string   `json:"sizePreferences"`
	Brands     []string   `json:"brandPreferences"`
	Conditions []string   `json:"conditionPreferences" validate:"dive,oneof=new very_good good satisfactory"`
}

type ActiveHours struct {
	Start int `json:"start" validate:"gte=0,lte=23"`
	End   int `json:"end" validate:"gte=0,lte=23"`
}

type NotificationPreferences struct {
	Frequency   string      `json:"frequency" validate:"omitempty,oneof=immediate hourly daily"`
	ActiveHours ActiveHours `json:"activeHours"`
	Methods     []string    `json:"notificationMethods" validate:"dive,oneof=telegram"`
}

// Active reports whether hour falls inside the configured window. A window
// with Start > End wraps past midnight.
func (p NotificationPreferences) Active(hour int) bool {
	if p.ActiveHours.Start == p.ActiveHours.End {
		return true
	}
	if p.ActiveHours.Start < p.ActiveHours.End {
		return hour >= p.ActiveHours.Start && hour < p.ActiveHours.End
	}
	return hour >= p.ActiveHours.Start || hour < p.ActiveHours.End
}

type Config struct {
	Search        SearchPreferences       `json:"searchPreferences"`
	Notifications NotificationPreferences `json:"notificationPreferences"`
}

// Default is the config a user starts from before any /setconfig.
func Default() Config {
	return Config{
		Search: SearchPreferences{
			PriceRange: PriceRange{Min: 0, Max: 1000},
		},
		Notifications: NotificationPreferences{
			Frequency:   "immediate",
			ActiveHours: ActiveHours{Start: 8, End: 22},
			Methods:     []string{"telegram"},
		},
	}
}

// statusIDs maps condition names to the provider's status identifiers.
var statusIDs = map[string]string{
	"new":          "1",
	"very_good":    "2",
	"good":         "3",
	"satisfactory": "4",
}

// SearchParams projects the preferences onto provider search filters.
func (c Config) SearchParams() market.SearchParams {
	var statuses []string
	for _, cond := range c.Search.Conditions {
		if id, ok := statusIDs[cond]; ok {
			statuses = append(statuses, id)
		}
	}
	return market.SearchParams{
		CatalogIDs: strings.Join(c.Search.Categories, ","),
		BrandIDs:   strings.Join(c.Search.Brands, ","),
		SizeIDs:    strings.Join(c.Search.Sizes, ","),
		StatusIDs:  strings.Join(statuses, ","),
		PriceFrom:  c.Search.PriceRange.Min,
		PriceTo:    c.Search.PriceRange.Max,
	}
}

// Validate checks the struct-tag constraints.
func Validate(cfg Config) error {
	if err := valid.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type Service struct {
	store store.Store
	log   logx.Logger
}

func New(st store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: st, log: log}
}

func key(subject string) string { return "user:" + subject + keySuffix }

// Get loads the stored config. ok is false when the user never set one.
func (s *Service) Get(ctx context.Context, subject string) (Config, bool, error) {
	raw, ok, err := s.store.Get(ctx, key(subject))
	if err != nil || !ok {
		return Config{}, false, err
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, false, fmt.Errorf("decode config for %s: %w", subject, err)
	}
	return cfg, true, nil
}

// Set validates cfg and persists it, replacing any previous config.
func (s *Service) Set(ctx context.Context, subject string, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, key(subject), string(raw), 0); err != nil {
		return err
	}
	s.log.Info("user config updated", logx.String("subject", subject))
	return nil
}

// Update applies patch as a shallow merge over the current config (or the
// defaults if none is stored), validates the result and persists it. Unknown
// top-level sections are rejected.
func (s *Service) Update(ctx context.Context, subject string, patch json.RawMessage) (Config, error) {
	current, ok, err := s.Get(ctx, subject)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		current = Default()
	}

	base, err := json.Marshal(current)
	if err != nil {
		return Config{}, err
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(base, &sections); err != nil {
		return Config{}, err
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	for k, v := range overlay {
		sections[k] = v
	}

	merged, err := json.Marshal(sections)
	if err != nil {
		return Config{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	var next Config
	if err := dec.Decode(&next); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := s.Set(ctx, subject, next); err != nil {
		return Config{}, err
	}
	return next, nil
}

// Delete removes the stored config. Deleting an absent config is not an error.
func (s *Service) Delete(ctx context.Context, subject string) error {
	if err := s.store.Delete(ctx, key(subject)); err != nil {
		return err
	}
	s.log.Info("user config deleted", logx.String("subject", subject))
	return nil
}
