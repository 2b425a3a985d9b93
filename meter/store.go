package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/pawmatch/gatekeeper/clock"
	"github.com/pawmatch/gatekeeper/entitlement"
	"github.com/pawmatch/gatekeeper/plan"
	"github.com/pawmatch/gatekeeper/store"
)

const (
	// DefaultMarkerTTL is how long an idempotency marker is kept.
	DefaultMarkerTTL = 24 * time.Hour

	defaultDayRetention  = 8 * 24 * time.Hour
	defaultWeekRetention = 15 * 24 * time.Hour
	defaultLockTTL       = 5 * time.Second
)

// ErrInvalidOperationID is returned for operation IDs that would collide
// with day or week record keys.
var ErrInvalidOperationID = errors.New("meter: operation id collides with a usage record key")

var recordKeyPattern = regexp.MustCompile(`^\d{4}-(\d{2}-\d{2}|W\d{2})$`)

// Store owns usage counter records. Check-and-increment is serialized per
// user, so two increments racing for the last slot cannot both succeed.
type Store struct {
	kv       store.Store
	calendar clock.Calendar
	logger   *slog.Logger
	serial   *store.Serializer

	markerTTL     time.Duration
	lockTTL       time.Duration
	dayRetention  time.Duration
	weekRetention time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithCalendar sets the clock and time zone used for day and week windows.
func WithCalendar(c clock.Calendar) Option {
	return func(s *Store) { s.calendar = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMarkerTTL sets how long idempotency markers live.
func WithMarkerTTL(ttl time.Duration) Option {
	return func(s *Store) { s.markerTTL = ttl }
}

// WithLockTTL bounds how long a distributed per-user lock may be held.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) { s.lockTTL = ttl }
}

// WithRetention sets how long day and week records are kept.
func WithRetention(day, week time.Duration) Option {
	return func(s *Store) {
		s.dayRetention = day
		s.weekRetention = week
	}
}

// NewStore creates a usage Store over kv.
func NewStore(kv store.Store, opts ...Option) *Store {
	s := &Store{
		kv:            kv,
		calendar:      clock.NewCalendar(clock.System{}, time.UTC),
		logger:        slog.Default(),
		markerTTL:     DefaultMarkerTTL,
		lockTTL:       defaultLockTTL,
		dayRetention:  defaultDayRetention,
		weekRetention: defaultWeekRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.serial = store.NewSerializer(kv, s.lockTTL)
	return s
}

// Counter returns today's usage for userID. Daily counts from a record
// stamped with another day and weekly counts from a record stamped with
// another week read as zero.
func (s *Store) Counter(ctx context.Context, userID string) (*Counter, error) {
	now := s.calendar.Now()
	return s.view(ctx, userID, s.calendar.Day(now), s.calendar.WeekID(now))
}

// Check reports whether one more t fits under ents without mutating
// anything.
func (s *Store) Check(ctx context.Context, userID string, t UsageType, ents entitlement.Entitlements) (entitlement.Result, error) {
	if !t.Valid() {
		return entitlement.Result{}, fmt.Errorf("%w: %q", ErrUnknownUsageType, t)
	}
	c, err := s.Counter(ctx, userID)
	if err != nil {
		return entitlement.Result{}, err
	}

	capacity := CapFor(ents, t)
	used := c.Used(t)
	res := entitlement.Result{Action: string(t), Allowed: capacity.Allows(used)}
	res.Limited(capacity, used)
	if !res.Allowed {
		res.Reason = limitReason(t)
	}
	return res, nil
}

// Increment counts one t for userID if the cap in ents allows it. A
// non-empty operationID that was already applied short-circuits to a
// successful replay without counting again.
func (s *Store) Increment(ctx context.Context, userID string, t UsageType, operationID string, ents entitlement.Entitlements) (IncrementResult, error) {
	if !t.Valid() {
		return IncrementResult{}, fmt.Errorf("%w: %q", ErrUnknownUsageType, t)
	}
	if operationID != "" && recordKeyPattern.MatchString(operationID) {
		return IncrementResult{}, fmt.Errorf("%w: %q", ErrInvalidOperationID, operationID)
	}

	var res IncrementResult
	err := s.serial.Do(ctx, "lock:usage:"+userID, func() error {
		var err error
		res, err = s.increment(ctx, userID, t, operationID, ents)
		return err
	})
	return res, err
}

func (s *Store) increment(ctx context.Context, userID string, t UsageType, operationID string, ents entitlement.Entitlements) (IncrementResult, error) {
	now := s.calendar.Now()
	day, week := s.calendar.Day(now), s.calendar.WeekID(now)
	capacity := CapFor(ents, t)

	if operationID != "" {
		replayed, err := s.applied(ctx, userID, operationID, day, week)
		if err != nil {
			return IncrementResult{}, err
		}
		if replayed {
			c, err := s.view(ctx, userID, day, week)
			if err != nil {
				return IncrementResult{}, err
			}
			s.logger.Debug("usage increment replayed",
				"user_id", userID,
				"type", t,
				"operation_id", operationID,
			)
			res := IncrementResult{Success: true, Replayed: true, Type: t}
			res.limits(capacity, c.Used(t))
			return res, nil
		}
	}

	c, err := s.view(ctx, userID, day, week)
	if err != nil {
		return IncrementResult{}, err
	}

	used := c.Used(t)
	if !capacity.Allows(used) {
		s.logger.Debug("usage limit reached",
			"user_id", userID,
			"type", t,
			"used", used,
			"limit", capacity,
		)
		res := IncrementResult{Success: false, Type: t}
		res.limits(capacity, used)
		return res, nil
	}

	if t.Weekly() {
		if err := s.bumpWeek(ctx, userID, week, c.BoostsThisWeek+1, operationID, now); err != nil {
			return IncrementResult{}, err
		}
	}

	switch t {
	case UsageSwipe:
		c.Swipes++
	case UsageSuperLike:
		c.SuperLikes++
	case UsageBoost:
		c.BoostsThisWeek++
	}
	if operationID != "" {
		c.Operations = append(c.Operations, operationID)
	}
	c.UpdatedAt = now
	if err := store.SetJSON(ctx, s.kv, DayKey(userID, day), c, s.dayRetention); err != nil {
		return IncrementResult{}, fmt.Errorf("meter: save day record: %w", err)
	}

	if operationID != "" {
		m := Marker{OperationID: operationID, UserID: userID, Type: t, AppliedAt: now}
		if err := store.SetJSON(ctx, s.kv, MarkerKey(userID, operationID), m, s.markerTTL); err != nil {
			// The operation is already in the counter record, which still
			// guards against a replay.
			s.logger.Warn("failed to write idempotency marker",
				"user_id", userID,
				"operation_id", operationID,
				"error", err,
			)
		}
	}

	res := IncrementResult{Success: true, Type: t}
	res.limits(capacity, c.Used(t))
	return res, nil
}

func (s *Store) view(ctx context.Context, userID, day, week string) (*Counter, error) {
	c := &Counter{UserID: userID, Day: day, Week: week}

	var rec Counter
	err := store.GetJSON(ctx, s.kv, DayKey(userID, day), &rec)
	switch {
	case err == nil:
		if rec.Day == day {
			c.Swipes = rec.Swipes
			c.SuperLikes = rec.SuperLikes
			c.Operations = rec.Operations
		}
		if rec.Week == week {
			c.BoostsThisWeek = rec.BoostsThisWeek
		}
		c.UpdatedAt = rec.UpdatedAt
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("meter: load day record: %w", err)
	}

	wk, err := s.loadWeek(ctx, userID, week)
	if err != nil {
		return nil, err
	}
	if wk != nil && wk.Week == week {
		c.BoostsThisWeek = max(c.BoostsThisWeek, wk.Boosts)
	}
	return c, nil
}

func (s *Store) loadWeek(ctx context.Context, userID, week string) (*WeekCounter, error) {
	var wk WeekCounter
	err := store.GetJSON(ctx, s.kv, WeekKey(userID, week), &wk)
	switch {
	case store.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("meter: load week record: %w", err)
	}
	return &wk, nil
}

func (s *Store) bumpWeek(ctx context.Context, userID, week string, boosts int64, operationID string, now time.Time) error {
	wk, err := s.loadWeek(ctx, userID, week)
	if err != nil {
		return err
	}
	if wk == nil || wk.Week != week {
		wk = &WeekCounter{UserID: userID, Week: week}
	}
	wk.Boosts = boosts
	if operationID != "" {
		wk.Operations = append(wk.Operations, operationID)
	}
	wk.UpdatedAt = now
	if err := store.SetJSON(ctx, s.kv, WeekKey(userID, week), wk, s.weekRetention); err != nil {
		return fmt.Errorf("meter: save week record: %w", err)
	}
	return nil
}

// applied reports whether operationID was already counted, either through
// its marker or through the operation history on today's or this week's
// record. The history outlives the marker, so a lost or expired marker
// does not reopen the operation within the window.
func (s *Store) applied(ctx context.Context, userID, operationID, day, week string) (bool, error) {
	var m Marker
	err := store.GetJSON(ctx, s.kv, MarkerKey(userID, operationID), &m)
	switch {
	case err == nil:
		return true, nil
	case !store.IsNotFound(err):
		return false, fmt.Errorf("meter: load marker: %w", err)
	}

	var rec Counter
	err = store.GetJSON(ctx, s.kv, DayKey(userID, day), &rec)
	switch {
	case err == nil && rec.Applied(operationID):
		return true, nil
	case err != nil && !store.IsNotFound(err):
		return false, fmt.Errorf("meter: load day record: %w", err)
	}

	wk, err := s.loadWeek(ctx, userID, week)
	if err != nil {
		return false, err
	}
	return wk != nil && wk.Applied(operationID), nil
}

func (r *IncrementResult) limits(c plan.Cap, used int64) {
	r.Used = used
	if rem, ok := c.Remaining(used); ok {
		limit := int64(c)
		r.Limit = &limit
		r.Remaining = &rem
	}
}

func limitReason(t UsageType) string {
	if t.Weekly() {
		return "weekly " + string(t) + " limit reached"
	}
	return "daily " + string(t) + " limit reached"
}
