package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lingualink/internal/clock"
	"lingualink/pkg/interfaces"
	"lingualink/pkg/types"
)

// Attempt is one finalize call for one session. A session may accumulate
// several attempts only when earlier ones were confirmed not applied.
type Attempt struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"size:64;not null;uniqueIndex:ux_session_attempt,priority:1"`
	Number          int       `gorm:"not null;uniqueIndex:ux_session_attempt,priority:2"`
	PayerID         string    `gorm:"size:64;not null"`
	PayeeID         string    `gorm:"size:64;not null"`
	DurationSeconds int64     `gorm:"not null"`
	Rate            int64     `gorm:"not null"`
	Amount          int64     `gorm:"not null"`
	Status          string    `gorm:"size:16;not null;index"`
	Reference       string    `gorm:"size:255"`
	Reason          string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
	CompletedAt     *time.Time
}

// TableName implements the GORM tabler interface.
func (Attempt) TableName() string { return "settlement_attempts" }

// Request rebuilds the finalize input recorded on the attempt.
func (a *Attempt) Request() interfaces.SettlementRequest {
	return interfaces.SettlementRequest{
		SessionID:       a.SessionID,
		PayerID:         a.PayerID,
		PayeeID:         a.PayeeID,
		DurationSeconds: a.DurationSeconds,
		Rate:            a.Rate,
		Amount:          a.Amount,
	}
}

// Ledger is the durable record of settlement attempts, for operators and the
// reconciliation job.
type Ledger struct {
	db    *gorm.DB
	clock clock.Clock
}

// OpenLedger connects with the configured dialect and migrates the schema.
func OpenLedger(driver, dsn string, clk clock.Clock) (*Ledger, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return NewLedger(db, clk)
}

// NewLedger wraps an open connection and migrates the schema.
func NewLedger(db *gorm.DB, clk clock.Clock) (*Ledger, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db, clock: clk}, nil
}

// Begin records a pending attempt numbered after any earlier ones.
func (l *Ledger) Begin(ctx context.Context, req interfaces.SettlementRequest) (*Attempt, error) {
	var attempt *Attempt
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&Attempt{}).
			Where("session_id = ?", req.SessionID).
			Select("COALESCE(MAX(number), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		attempt = l.newAttempt(req, last+1)
		return tx.Create(attempt).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrAttemptTaken
	}
	if err != nil {
		return nil, fmt.Errorf("record settlement attempt: %w", err)
	}
	return attempt, nil
}

// BeginAfter records the attempt that follows number previous. It fails with
// ErrAttemptTaken if that number is already recorded, which means another
// caller is retrying the same session.
func (l *Ledger) BeginAfter(ctx context.Context, req interfaces.SettlementRequest, previous int) (*Attempt, error) {
	attempt := l.newAttempt(req, previous+1)
	err := l.db.WithContext(ctx).Create(attempt).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrAttemptTaken
	}
	if err != nil {
		return nil, fmt.Errorf("record settlement retry: %w", err)
	}
	return attempt, nil
}

func (l *Ledger) newAttempt(req interfaces.SettlementRequest, number int) *Attempt {
	return &Attempt{
		SessionID:       req.SessionID,
		Number:          number,
		PayerID:         req.PayerID,
		PayeeID:         req.PayeeID,
		DurationSeconds: req.DurationSeconds,
		Rate:            req.Rate,
		Amount:          req.Amount,
		Status:          types.SettlementPending,
		CreatedAt:       l.clock.Now(),
	}
}

// Complete stores the observed outcome of an attempt.
func (l *Ledger) Complete(ctx context.Context, id uint, outcome Outcome) error {
	now := l.clock.Now()
	res := l.db.WithContext(ctx).Model(&Attempt{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       outcome.Status,
		"reference":    outcome.Reference,
		"reason":       outcome.Reason,
		"completed_at": &now,
	})
	if res.Error != nil {
		return fmt.Errorf("complete settlement attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// Latest returns the most recent attempt for a session.
func (l *Ledger) Latest(ctx context.Context, sessionID string) (*Attempt, error) {
	var attempt Attempt
	err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("number DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement attempt: %w", err)
	}
	return &attempt, nil
}

// History returns every attempt for a session, oldest first.
func (l *Ledger) History(ctx context.Context, sessionID string) ([]Attempt, error) {
	var attempts []Attempt
	if err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("number ASC").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("load settlement history: %w", err)
	}
	return attempts, nil
}

// Unresolved returns the latest attempt of every session whose settlement
// is not yet known to have succeeded.
func (l *Ledger) Unresolved(ctx context.Context) ([]Attempt, error) {
	latest := l.db.Model(&Attempt{}).
		Select("session_id, MAX(number) AS number").
		Group("session_id")

	var attempts []Attempt
	err := l.db.WithContext(ctx).
		Joins("JOIN (?) AS latest ON latest.session_id = settlement_attempts.session_id AND latest.number = settlement_attempts.number", latest).
		Where("settlement_attempts.status IN ?", []string{types.SettlementPending, types.SettlementUnknown, types.SettlementFailed}).
		Order("settlement_attempts.created_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("load unresolved settlements: %w", err)
	}
	return attempts, nil
}

// Ping checks the ledger connection.
func (l *Ledger) Ping(ctx context.Context) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
