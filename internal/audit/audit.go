// Package audit is an append-only log of session status transitions,
// independent of the core session state machine (SPEC_FULL.md §2):
// operators need to see what happened to a tenant's session over time
// even after the in-memory actor that produced those transitions is
// gone. Adapted from the teacher's GORM usage (llm/db_init.go's
// AutoMigrate-based schema setup), backed by the pure-Go
// github.com/glebarez/sqlite dialector so the gateway never needs cgo.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"
)

// Transition is one row of the append-only log.
type Transition struct {
	ID         uint `gorm:"primarykey"`
	TenantID   string `gorm:"index"`
	FromStatus string
	ToStatus   string
	Provider   string // active/relevant provider id at the time, if any
	Reason     string // e.g. a DisconnectCause, empty for a clean transition
	OccurredAt time.Time `gorm:"index"`
}

func (Transition) TableName() string { return "session_transitions" }

// Log is the audit store. Safe for concurrent use (GORM serializes
// through the underlying *sql.DB connection pool).
type Log struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open creates (or reuses) a SQLite database at dsn and migrates the
// schema. Schema management uses GORM's own AutoMigrate rather than
// golang-migrate: golang-migrate's sqlite database driver depends on
// mattn/go-sqlite3 (cgo), which would fight the pure-Go glebarez/sqlite
// dialector chosen here for portability (see DESIGN.md) — AutoMigrate is
// exactly how the teacher manages its own multi-table GORM schema
// (llm/db_init.go), so this follows the same shape rather than
// introducing a second, conflicting migration mechanism.
func Open(dsn string, logger *zap.Logger) (*Log, error) {
	l := logger
	if l == nil {
		l = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Transition{}); err != nil {
		return nil, fmt.Errorf("audit: automigrate: %w", err)
	}

	return &Log{db: db, logger: l}, nil
}

// Record appends one transition. Failures are logged, not returned to
// the caller — the audit log is operational visibility, not a
// correctness dependency for the session state machine (spec.md §7's
// error policy: never fatal outside the shutdown path).
func (l *Log) Record(ctx context.Context, tenantID, fromStatus, toStatus, providerID, reason string) {
	row := Transition{
		TenantID:   tenantID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Provider:   providerID,
		Reason:     reason,
		OccurredAt: time.Now(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		l.logger.Warn("audit: failed to record transition",
			zap.String("tenant", tenantID), zap.Error(err))
	}
}

// History returns every recorded transition for a tenant, oldest first.
func (l *Log) History(ctx context.Context, tenantID string) ([]Transition, error) {
	var rows []Transition
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("occurred_at asc").
		Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
