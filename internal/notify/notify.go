package notify

import (
	"context"
	"errors"
	"time"

	"traffic-monitor-service/internal/domain/detection"
)

const (
	EventDetectionRecorded = "detection_recorded"
	EventWatchlistAlert    = "watchlist_alert"
	EventDataCleared       = "data_cleared"
)

type Event struct {
	Type   string            `json:"type"`
	Record *detection.Record `json:"record,omitempty"`
	Plates []string          `json:"plates,omitempty"`
	At     time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi delivers every event to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
