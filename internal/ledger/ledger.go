// Package ledger persists one row per session in sqlite: who ran it,
// how it ended, and the outcome of the post-session data reset. It is
// the operator-facing record for failures that have no client left to
// report to, and the source of truth for stray-container recovery after
// a broker crash.
package ledger

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	SessionID   string `gorm:"uniqueIndex;size:64"`
	ClientID    string `gorm:"size:64"`
	InviteToken string `gorm:"size:128"`
	RemoteAddr  string
	UserAgent   string
	QueueWaitMS int64

	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string `gorm:"size:32"`
	Errors    string // newline-joined errors observed during the session

	ResetExitCode *int
	ResetError    string
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// Ledger reads and writes session records.
type Ledger struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

const DefaultRetentionDays = 30

func New(db *gorm.DB, retentionDays int) *Ledger {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Ledger{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Ping verifies the underlying database handle, for the health endpoint.
func (l *Ledger) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordStart inserts the row for a session entering Active.
func (l *Ledger) RecordStart(rec SessionRecord) error {
	if err := l.db.Create(&rec).Error; err != nil {
		log.Printf("[ledger] record start %s: %v", rec.SessionID, err)
		return err
	}
	return nil
}

// RecordEnd finalizes a session row.
func (l *Ledger) RecordEnd(sessionID string, endedAt time.Time, reason, errs string) error {
	res := l.db.Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"ended_at": endedAt, "end_reason": reason, "errors": errs})
	if res.Error != nil {
		log.Printf("[ledger] record end %s: %v", sessionID, res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger: no row for session %s", sessionID)
	}
	return nil
}

// RecordResetOutcome stores the data-reset hook's result for a session.
func (l *Ledger) RecordResetOutcome(sessionID string, exitCode int, resetErr string) error {
	res := l.db.Model(&SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"reset_exit_code": exitCode, "reset_error": resetErr})
	if res.Error != nil {
		log.Printf("[ledger] record reset %s: %v", sessionID, res.Error)
		return res.Error
	}
	return nil
}

// Unfinished returns sessions that never recorded an end: the broker
// died while they ran. Their containers are reaped at startup.
func (l *Ledger) Unfinished() ([]SessionRecord, error) {
	var rows []SessionRecord
	if err := l.db.Where("ended_at IS NULL").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryOptions filters Recent.
type QueryOptions struct {
	Reason string
	Since  *time.Time
	Limit  int
	Offset int
}

// QueryResult contains session rows and pagination metadata.
type QueryResult struct {
	Entries []SessionRecord `json:"entries"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// Recent returns session rows, newest first.
func (l *Ledger) Recent(opts QueryOptions) (*QueryResult, error) {
	tx := l.db.Model(&SessionRecord{})
	if opts.Reason != "" {
		tx = tx.Where("end_reason = ?", opts.Reason)
	}
	if opts.Since != nil {
		tx = tx.Where("started_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []SessionRecord
	if err := tx.Order("started_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan removes finished rows older than the retention period.
// Returns the number deleted.
func (l *Ledger) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = l.retentionDays
	}
	cutoff := l.nowFn().AddDate(0, 0, -days)
	result := l.db.Where("started_at < ? AND ended_at IS NOT NULL", cutoff).Delete(&SessionRecord{})
	if result.Error != nil {
		log.Printf("[ledger] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ledger] purged %d session records older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// SetNowFunc sets the clock function used for testing.
func (l *Ledger) SetNowFunc(fn func() time.Time) {
	l.nowFn = fn
}
