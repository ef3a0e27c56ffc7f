package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"traffic-monitor-service/internal/domain/detection"
)

const (
	HistoryKey  = "detectionHistoryDB"
	AlertLogKey = "criminalAlertLogDB"
)

type LogRepository struct {
	db *gorm.DB
}

func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

// LogEntry holds one whole serialized log under a fixed name.
type LogEntry struct {
	Name      string         `gorm:"primaryKey"`
	Value     datatypes.JSON `gorm:"not null"`
	Version   int            `gorm:"not null"`
	UpdatedAt time.Time
}

func (LogEntry) TableName() string {
	return "log_entries"
}

func (r *LogRepository) LoadHistory(ctx context.Context) ([]detection.Record, error) {
	raw, found, err := r.get(ctx, HistoryKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return []detection.Record{}, nil
	}
	return decodeHistory(raw)
}

func (r *LogRepository) SaveHistory(ctx context.Context, records []detection.Record) error {
	value, err := encodeLog(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return r.put(ctx, HistoryKey, value)
}

func (r *LogRepository) LoadAlerts(ctx context.Context) ([]string, error) {
	raw, found, err := r.get(ctx, AlertLogKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return []string{}, nil
	}
	return decodeAlerts(raw)
}

func (r *LogRepository) SaveAlerts(ctx context.Context, plates []string) error {
	value, err := encodeLog(plates)
	if err != nil {
		return fmt.Errorf("encode alert log: %w", err)
	}
	return r.put(ctx, AlertLogKey, value)
}

func (r *LogRepository) DeleteHistory(ctx context.Context) error {
	return r.delete(ctx, HistoryKey)
}

func (r *LogRepository) DeleteAlerts(ctx context.Context) error {
	return r.delete(ctx, AlertLogKey)
}

// Clear erases both logs in a single transaction.
func (r *LogRepository) Clear(ctx context.Context) error {
	return r.delete(ctx, HistoryKey, AlertLogKey)
}

func (r *LogRepository) get(ctx context.Context, name string) ([]byte, bool, error) {
	var entry LogEntry
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	return []byte(entry.Value), true, nil
}

func (r *LogRepository) put(ctx context.Context, name string, value []byte) error {
	entry := LogEntry{
		Name:      name,
		Value:     datatypes.JSON(value),
		Version:   currentLogVersion,
		UpdatedAt: time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "version", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (r *LogRepository) delete(ctx context.Context, names ...string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name IN ?", names).Delete(&LogEntry{}).Error; err != nil {
			return fmt.Errorf("delete %v: %w", names, err)
		}
		return nil
	})
}
