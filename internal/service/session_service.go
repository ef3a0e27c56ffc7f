package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"traffic-monitor-service/internal/domain/detection"
	"traffic-monitor-service/internal/media"
	"traffic-monitor-service/internal/notify"
	"traffic-monitor-service/internal/repository"
	"traffic-monitor-service/internal/utils"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNoImage              = errors.New("no image selected")
	ErrBusy                 = errors.New("an image is already being processed")
	ErrConfirmationRequired = errors.New("clearing all data requires confirmation")
)

const (
	NoImageMessage         = "Please select an image file first."
	UnexpectedErrorMessage = "An unexpected error occurred during analysis."
	DataClearedMessage     = "Database and logs successfully cleared."
)

// LogStore persists the detection history and the watchlist alert log, each
// as a whole value.
type LogStore interface {
	LoadHistory(ctx context.Context) ([]detection.Record, error)
	SaveHistory(ctx context.Context, records []detection.Record) error
	LoadAlerts(ctx context.Context) ([]string, error)
	SaveAlerts(ctx context.Context, plates []string) error
	DeleteHistory(ctx context.Context) error
	DeleteAlerts(ctx context.Context) error
	Clear(ctx context.Context) error
}

type Inference interface {
	ExtractPlates(ctx context.Context, img *detection.Image) ([]string, error)
	ClassifyViolations(ctx context.Context, img *detection.Image) (string, error)
}

type PreviewSize struct {
	MaxWidth  int
	MaxHeight int
}

// SessionService owns the operator session and the two persisted logs.
type SessionService struct {
	store     LogStore
	inference Inference
	notifier  notify.Notifier
	preview   PreviewSize
	log       zerolog.Logger

	now   func() time.Time
	newID func() string

	mu            sync.Mutex
	history       []detection.Record
	alerts        []string
	image         *detection.Image
	previewImage  []byte
	watchlistText string
	processed     bool
	processing    bool
	plates        []string
	violation     string
	errMessage    string
	status        string
}

func NewSessionService(store LogStore, inference Inference, notifier notify.Notifier, preview PreviewSize, log zerolog.Logger) *SessionService {
	return &SessionService{
		store:     store,
		inference: inference,
		notifier:  notifier,
		preview:   preview,
		log:       log,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		history:   []detection.Record{},
		alerts:    []string{},
		plates:    []string{},
	}
}

// Load reads both logs from the store. A log that cannot be decoded is
// dropped from the store and the session starts with it empty.
func (s *SessionService) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.store.LoadHistory(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("log", repository.HistoryKey).Msg("discarding stored detection history")
		history = []detection.Record{}
		if isFormatError(err) {
			if err := s.store.DeleteHistory(ctx); err != nil {
				s.log.Error().Err(err).Msg("failed to delete unreadable detection history")
			}
		}
	}

	alerts, err := s.store.LoadAlerts(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("log", repository.AlertLogKey).Msg("discarding stored alert log")
		alerts = []string{}
		if isFormatError(err) {
			if err := s.store.DeleteAlerts(ctx); err != nil {
				s.log.Error().Err(err).Msg("failed to delete unreadable alert log")
			}
		}
	}

	s.history = history
	s.alerts = alerts

	s.log.Info().
		Int("history_count", len(history)).
		Int("alerts_count", len(alerts)).
		Msg("logs loaded")
}

func isFormatError(err error) bool {
	return errors.Is(err, repository.ErrLegacyLog) || errors.Is(err, repository.ErrMalformedLog)
}

// SelectImage makes img the session image and resets the previous results.
func (s *SessionService) SelectImage(img *detection.Image) error {
	if img.Empty() {
		return fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}

	preview, err := media.Preview(img, s.preview.MaxWidth, s.preview.MaxHeight)
	if err != nil {
		s.log.Warn().Err(err).Str("mime_type", img.MimeType).Msg("failed to build preview")
		preview = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return ErrBusy
	}

	s.image = img
	s.previewImage = preview
	s.plates = []string{}
	s.violation = ""
	s.errMessage = ""
	s.status = ""
	s.processed = false

	s.log.Info().
		Str("filename", img.Filename).
		Str("mime_type", img.MimeType).
		Int("size", len(img.Data)).
		Msg("image selected")
	return nil
}

func (s *SessionService) SetWatchlist(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchlistText = text
}

func (s *SessionService) ClearWatchlistInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchlistText = ""
}

// ProcessSelected runs ProcessImage on the session image and watchlist text.
func (s *SessionService) ProcessSelected(ctx context.Context) (*detection.ProcessResult, error) {
	return s.process(ctx, func() (*detection.Image, string) {
		return s.image, s.watchlistText
	})
}

// ProcessImage asks the inference service about img, appends an informative
// result to the history and records new watchlist hits in the alert log.
func (s *SessionService) ProcessImage(ctx context.Context, img *detection.Image, watchlistText string) (*detection.ProcessResult, error) {
	return s.process(ctx, func() (*detection.Image, string) {
		return img, watchlistText
	})
}

// process runs one operation to completion. The caller's cancellation does
// not reach the inference calls or the store writes; the per-call inference
// timeout bounds them.
func (s *SessionService) process(ctx context.Context, input func() (*detection.Image, string)) (*detection.ProcessResult, error) {
	img, watchlistText, err := s.begin(input)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	var (
		plates    []string
		violation string
	)

	var g errgroup.Group
	g.Go(func() error {
		p, err := s.inference.ExtractPlates(ctx, img)
		if err != nil {
			return err
		}
		plates = p
		return nil
	})
	g.Go(func() error {
		v, err := s.inference.ClassifyViolations(ctx, img)
		if err != nil {
			return err
		}
		violation = v
		return nil
	})

	if err := g.Wait(); err != nil {
		s.fail(err)
		return nil, err
	}
	if plates == nil {
		plates = []string{}
	}

	result := s.record(ctx, img, plates, violation, watchlistText)
	s.publish(ctx, result)
	return result, nil
}

// record applies a settled inference result to the logs and the session.
func (s *SessionService) record(ctx context.Context, img *detection.Image, plates []string, violation, watchlistText string) *detection.ProcessResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false

	result := &detection.ProcessResult{
		Plates:       plates,
		Violation:    violation,
		HasViolation: detection.HasViolation(violation),
		NewAlerts:    []string{},
	}

	if detection.Informative(plates, violation) {
		record := detection.Record{
			ID:         s.newID(),
			Plates:     slices.Clone(plates),
			Violation:  violation,
			DetectedAt: s.now().UTC(),
		}
		s.history = append(s.history, record)
		if err := s.store.SaveHistory(ctx, s.history); err != nil {
			s.log.Error().Err(err).Str("record_id", record.ID).Msg("failed to persist detection history")
		}
		published := record
		published.Plates = slices.Clone(plates)
		result.Record = &published

		s.log.Info().
			Str("record_id", record.ID).
			Int("plates_count", len(plates)).
			Bool("has_violation", result.HasViolation).
			Msg("detection recorded")
	} else {
		s.log.Debug().Msg("nothing detected, history unchanged")
	}

	for _, plate := range utils.MatchWatchlist(plates, utils.ParseWatchlist(watchlistText)) {
		if slices.Contains(s.alerts, plate) {
			continue
		}
		s.alerts = append(s.alerts, plate)
		result.NewAlerts = append(result.NewAlerts, plate)
		s.log.Warn().Str("plate", plate).Msg("watchlist plate detected")
	}
	if len(result.NewAlerts) > 0 {
		if err := s.store.SaveAlerts(ctx, s.alerts); err != nil {
			s.log.Error().Err(err).Int("alerts_count", len(s.alerts)).Msg("failed to persist alert log")
		}
	}

	if s.image != img {
		s.image = img
		s.previewImage = nil
	}
	s.plates = slices.Clone(plates)
	s.violation = violation
	return result
}

// begin reads the request input and marks the session as processing in one
// critical section.
func (s *SessionService) begin(input func() (*detection.Image, string)) (*detection.Image, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, watchlistText := input()
	if img.Empty() {
		s.errMessage = NoImageMessage
		return nil, "", fmt.Errorf("%w: %s", ErrNoImage, NoImageMessage)
	}
	if s.processing {
		return nil, "", ErrBusy
	}

	s.processing = true
	s.processed = true
	s.errMessage = ""
	s.status = ""
	s.plates = []string{}
	s.violation = ""
	return img, watchlistText, nil
}

func (s *SessionService) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processing = false
	s.errMessage = err.Error()
	if s.errMessage == "" {
		s.errMessage = UnexpectedErrorMessage
	}
	s.log.Error().Err(err).Msg("image processing failed")
}

func (s *SessionService) publish(ctx context.Context, result *detection.ProcessResult) {
	if s.notifier == nil {
		return
	}

	at := s.now().UTC()
	if result.Record != nil {
		s.notifyLogged(ctx, notify.Event{Type: notify.EventDetectionRecorded, Record: result.Record, At: at})
	}
	if len(result.NewAlerts) > 0 {
		s.notifyLogged(ctx, notify.Event{Type: notify.EventWatchlistAlert, Plates: result.NewAlerts, At: at})
	}
}

func (s *SessionService) notifyLogged(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event", event.Type).Msg("failed to publish event")
	}
}

// ClearAllData empties both logs and the per-image session state. The
// watchlist text is kept.
func (s *SessionService) ClearAllData(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}

	if err := s.clear(ctx); err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifyLogged(ctx, notify.Event{Type: notify.EventDataCleared, At: s.now().UTC()})
	}
	return nil
}

func (s *SessionService) clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return ErrBusy
	}

	if err := s.store.Clear(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to clear stored logs")
		return fmt.Errorf("failed to clear stored logs: %w", err)
	}

	cleared := len(s.history)
	s.history = []detection.Record{}
	s.alerts = []string{}
	s.image = nil
	s.previewImage = nil
	s.plates = []string{}
	s.violation = ""
	s.errMessage = ""
	s.processed = false
	s.status = DataClearedMessage

	s.log.Info().Int("records_cleared", cleared).Msg("all data cleared")
	return nil
}

func (s *SessionService) History() []detection.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]detection.Record, len(s.history))
	for i, record := range s.history {
		record.Plates = slices.Clone(record.Plates)
		history[i] = record
	}
	return history
}

func (s *SessionService) Alerts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.alerts...)
}

func (s *SessionService) PreviewImage() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewImage, len(s.previewImage) > 0
}

func (s *SessionService) Snapshot() detection.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return detection.SessionState{
		HasImage:       !s.image.Empty(),
		Image:          s.image,
		HasPreview:     len(s.previewImage) > 0,
		Processed:      s.processed,
		Processing:     s.processing,
		WatchlistText:  s.watchlistText,
		DetectedPlates: append([]string{}, s.plates...),
		Violation:      s.violation,
		HasViolation:   detection.HasViolation(s.violation),
		Error:          s.errMessage,
		StatusMessage:  s.status,
	}
}
