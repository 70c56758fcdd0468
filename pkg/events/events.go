// Package events stores crowd density reports and derives capacity alerts.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultRecent is the number of events returned when no limit is given.
const DefaultRecent = 20

// Alert thresholds on density percentage (exclusive).
const (
	CriticalDensity = 90
	WarningDensity  = 70
)

// ErrInvalidEvent is returned for reports that fail validation.
var ErrInvalidEvent = errors.New("events: invalid event")

// Level classifies an alert.
type Level string

// Alert levels.
const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is one stored density report.
type Event struct {
	ID        uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	Timestamp time.Time `gorm:"column:reported_at;index" json:"timestamp"`
	Source    string    `gorm:"size:128" json:"source"`
	Location  string    `gorm:"size:256" json:"location"`
	Density   float64   `json:"density"`
	RiskLevel string    `gorm:"size:16" json:"riskLevel,omitempty"`
	Level     Level     `gorm:"size:16" json:"level"`
}

// TableName implements gorm's Tabler.
func (Event) TableName() string { return "crowd_events" }

// Input is an incoming report.
type Input struct {
	Source    string  `json:"source"`
	Location  string  `json:"location"`
	Density   float64 `json:"density"` // percentage 0-100
	RiskLevel string  `json:"riskLevel,omitempty"`
}

// Receipt is the answer to a report.
type Receipt struct {
	Status string `json:"status"`
	Event  Event  `json:"event"`
	Alert  string `json:"alert"`
}

// Validate checks the input fields.
func (in Input) Validate() error {
	if strings.TrimSpace(in.Source) == "" {
		return fmt.Errorf("%w: source required", ErrInvalidEvent)
	}
	if strings.TrimSpace(in.Location) == "" {
		return fmt.Errorf("%w: location required", ErrInvalidEvent)
	}
	if in.Density < 0 || in.Density > 100 {
		return fmt.Errorf("%w: density %v outside 0-100", ErrInvalidEvent, in.Density)
	}
	return nil
}

// Classify returns the alert level and message for a density percentage.
func Classify(location string, density float64) (Level, string) {
	switch {
	case density > CriticalDensity:
		return LevelCritical, fmt.Sprintf("Critical: %s overcrowded!", location)
	case density > WarningDensity:
		return LevelWarning, fmt.Sprintf("Warning: %s nearing limit.", location)
	}
	return LevelNone, ""
}

// Store persists events with GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastTS time.Time

	hookMu   sync.RWMutex
	onAlert  []func(Receipt)
	onReport []func(Receipt)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Dialector picks a GORM dialector from the DSN. postgres:// and mysql://
// prefixes select those drivers; anything else is a SQLite path.
func Dialector(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "postgres"):
		return postgres.New(postgres.Config{DSN: dsn}), false
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), false
	default:
		return sqlite.Open(dsn), true
	}
}

// gormWriter routes GORM's printf-style logs into slog.
type gormWriter struct {
	logger *slog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// newGormLogger logs slow queries and errors at warn through logger.
func newGormLogger(logger *slog.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{logger: logger.With("component", "events.gorm")}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, opts ...Option) (*Store, error) {
	base := Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(&base)
	}
	dial, isSQLite := Dialector(dsn)
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: newGormLogger(base.logger),
	})
	if err != nil {
		return nil, fmt.Errorf("events: open: %w", err)
	}
	if isSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("events: open: %w", err)
		}
		// One connection keeps :memory: databases shared and avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return NewStore(db, opts...)
}

// NewStore wraps an existing connection and migrates the schema.
func NewStore(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "events")

	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("events: migrate: %w", err)
	}
	return s, nil
}

// OnAlert registers fn for every report that raised an alert.
func (s *Store) OnAlert(fn func(Receipt)) {
	s.hookMu.Lock()
	s.onAlert = append(s.onAlert, fn)
	s.hookMu.Unlock()
}

// OnReport registers fn for every stored report.
func (s *Store) OnReport(fn func(Receipt)) {
	s.hookMu.Lock()
	s.onReport = append(s.onReport, fn)
	s.hookMu.Unlock()
}

// timestamp returns a strictly increasing time so ordering is stable.
func (s *Store) timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	return ts
}

// Report validates, stores and classifies a report.
func (s *Store) Report(ctx context.Context, in Input) (*Receipt, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	level, alert := Classify(in.Location, in.Density)
	ev := Event{
		ID:        uuid.New(),
		Timestamp: s.timestamp(),
		Source:    in.Source,
		Location:  in.Location,
		Density:   in.Density,
		RiskLevel: in.RiskLevel,
		Level:     level,
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("events: store: %w", err)
	}

	receipt := &Receipt{Status: "ok", Event: ev, Alert: alert}

	s.hookMu.RLock()
	reportHooks := append([]func(Receipt){}, s.onReport...)
	alertHooks := append([]func(Receipt){}, s.onAlert...)
	s.hookMu.RUnlock()

	for _, fn := range reportHooks {
		fn(*receipt)
	}
	if level != LevelNone {
		s.logger.Warn("capacity alert", "location", in.Location, "density", in.Density, "level", level)
		for _, fn := range alertHooks {
			fn(*receipt)
		}
	}
	return receipt, nil
}

// Recent returns the last n events, oldest first. n <= 0 means DefaultRecent.
func (s *Store) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		n = DefaultRecent
	}
	var out []Event
	err := s.db.WithContext(ctx).
		Order("reported_at DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
