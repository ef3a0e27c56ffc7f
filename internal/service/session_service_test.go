package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"traffic-monitor-service/internal/config"
	"traffic-monitor-service/internal/db"
	"traffic-monitor-service/internal/domain/detection"
	"traffic-monitor-service/internal/inference"
	"traffic-monitor-service/internal/notify"
	"traffic-monitor-service/internal/repository"
)

type memStore struct {
	mu          sync.Mutex
	history     []detection.Record
	alerts      []string
	historyErr  error
	alertsErr   error
	saveErr     error
	historySave int
	alertsSave  int
	deleted     []string
}

func (m *memStore) LoadHistory(context.Context) ([]detection.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return append([]detection.Record{}, m.history...), nil
}

func (m *memStore) SaveHistory(_ context.Context, records []detection.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historySave++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.history = append([]detection.Record{}, records...)
	return nil
}

func (m *memStore) LoadAlerts(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alertsErr != nil {
		return nil, m.alertsErr
	}
	return append([]string{}, m.alerts...), nil
}

func (m *memStore) SaveAlerts(_ context.Context, plates []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertsSave++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.alerts = append([]string{}, plates...)
	return nil
}

func (m *memStore) DeleteHistory(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, repository.HistoryKey)
	m.history = nil
	return nil
}

func (m *memStore) DeleteAlerts(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, repository.AlertLogKey)
	m.alerts = nil
	return nil
}

func (m *memStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.alerts = nil
	return nil
}

type fakeInference struct {
	plates    []string
	violation string
	err       error
	gate      chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeInference) ExtractPlates(ctx context.Context, _ *detection.Image) ([]string, error) {
	f.count()
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.plates, nil
}

func (f *fakeInference) ClassifyViolations(context.Context, *detection.Image) (string, error) {
	f.count()
	if f.err != nil {
		return "", f.err
	}
	return f.violation, nil
}

func (f *fakeInference) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeInference) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, event notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(store LogStore, inf Inference, n notify.Notifier) *SessionService {
	s := NewSessionService(store, inf, n, PreviewSize{MaxWidth: 32, MaxHeight: 32}, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }
	next := 0
	s.newID = func() string {
		next++
		return fmt.Sprintf("record-%d", next)
	}
	return s
}

func testImage() *detection.Image {
	return &detection.Image{Data: []byte("jpeg bytes"), MimeType: "image/jpeg"}
}

func pngImage(t *testing.T) *detection.Image {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return &detection.Image{Data: buf.Bytes(), MimeType: "image/png", Filename: "scene.png"}
}

func TestProcessImage_WatchlistScenario(t *testing.T) {
	store := &memStore{}
	inf := &fakeInference{plates: []string{"xyz-123", "DEF-000"}, violation: "NONE"}
	s := newTestService(store, inf, nil)

	result, err := s.ProcessImage(context.Background(), testImage(), "XYZ-123\nabc-999")
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}

	if !reflect.DeepEqual(result.NewAlerts, []string{"XYZ-123"}) {
		t.Errorf("expected new alerts [XYZ-123], got %v", result.NewAlerts)
	}
	if !reflect.DeepEqual(s.Alerts(), []string{"XYZ-123"}) {
		t.Errorf("expected alert log [XYZ-123], got %v", s.Alerts())
	}

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if !reflect.DeepEqual(history[0].Plates, []string{"xyz-123", "DEF-000"}) {
		t.Errorf("expected plates to be stored as detected, got %v", history[0].Plates)
	}
	if history[0].ID != "record-1" || !history[0].DetectedAt.Equal(fixedNow) {
		t.Errorf("unexpected record identity %+v", history[0])
	}

	if len(store.history) != 1 || !reflect.DeepEqual(store.alerts, []string{"XYZ-123"}) {
		t.Errorf("expected both logs persisted, got history=%v alerts=%v", store.history, store.alerts)
	}
}

func TestProcessImage_AppendsOnlyInformativeResults(t *testing.T) {
	tests := []struct {
		name      string
		plates    []string
		violation string
		appended  bool
	}{
		{"nothing found", []string{}, "NONE", false},
		{"nil plates", nil, "NONE", false},
		{"lower-case none", nil, "none", false},
		{"padded none", []string{}, " NONE ", false},
		{"violation only", []string{}, "No helmet", true},
		{"plates only", []string{"AB-1"}, "NONE", true},
		{"both", []string{"AB-1"}, "Illegal lane change", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memStore{}
			s := newTestService(store, &fakeInference{plates: tt.plates, violation: tt.violation}, nil)

			result, err := s.ProcessImage(context.Background(), testImage(), "")
			if err != nil {
				t.Fatalf("ProcessImage failed: %v", err)
			}

			got := len(s.History())
			if tt.appended && got != 1 {
				t.Errorf("expected one record, got %d", got)
			}
			if !tt.appended && (got != 0 || store.historySave != 0 || result.Record != nil) {
				t.Errorf("expected no record, got %d (saves=%d)", got, store.historySave)
			}
			if tt.appended && result.Record.Plates == nil {
				t.Error("record plates must never be nil")
			}
			if len(s.Alerts()) != 0 || store.alertsSave != 0 {
				t.Error("alert log must not change without a watchlist")
			}
		})
	}
}

func TestProcessImage_ConfigurationError(t *testing.T) {
	store := &memStore{alerts: []string{"OLD-1"}}
	s := newTestService(store, inference.NewClient(nil, zerolog.Nop()), nil)
	s.Load(context.Background())

	_, err := s.ProcessImage(context.Background(), testImage(), "OLD-1")
	if !errors.Is(err, inference.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	state := s.Snapshot()
	if state.Error != inference.ErrNotConfigured.Error() {
		t.Errorf("expected configuration error in session, got %q", state.Error)
	}
	if state.Processing {
		t.Error("session must not stay in processing state after a failure")
	}
	if len(s.History()) != 0 || !reflect.DeepEqual(s.Alerts(), []string{"OLD-1"}) {
		t.Errorf("logs must be unchanged, got history=%v alerts=%v", s.History(), s.Alerts())
	}
	if store.historySave != 0 || store.alertsSave != 0 {
		t.Error("nothing may be persisted after a failure")
	}
}

func TestProcessImage_NoImage(t *testing.T) {
	inf := &fakeInference{plates: []string{"A"}, violation: "NONE"}
	s := newTestService(&memStore{}, inf, nil)

	_, err := s.ProcessSelected(context.Background())
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	if inf.Calls() != 0 {
		t.Errorf("no inference call expected, got %d", inf.Calls())
	}
	if got := s.Snapshot().Error; got != NoImageMessage {
		t.Errorf("expected %q, got %q", NoImageMessage, got)
	}
}

func TestProcessImage_NeverDuplicatesAlerts(t *testing.T) {
	store := &memStore{}
	inf := &fakeInference{plates: []string{" abc-1 ", "ABC-1", "zz-9"}, violation: "NONE"}
	s := newTestService(store, inf, nil)
	ctx := context.Background()

	first, err := s.ProcessImage(ctx, testImage(), "  Abc-1 \r\nZZ-9\n\n")
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	if !reflect.DeepEqual(first.NewAlerts, []string{"ABC-1", "ZZ-9"}) {
		t.Errorf("expected [ABC-1 ZZ-9], got %v", first.NewAlerts)
	}

	second, err := s.ProcessImage(ctx, testImage(), "abc-1\nzz-9")
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	if len(second.NewAlerts) != 0 {
		t.Errorf("expected no new alerts, got %v", second.NewAlerts)
	}
	if !reflect.DeepEqual(s.Alerts(), []string{"ABC-1", "ZZ-9"}) {
		t.Errorf("unexpected alert log %v", s.Alerts())
	}
	if store.alertsSave != 1 {
		t.Errorf("alert log should be saved only when it grows, saved %d times", store.alertsSave)
	}
	if len(s.History()) != 2 {
		t.Errorf("expected 2 history records, got %d", len(s.History()))
	}
}

func TestProcessImage_RejectsConcurrentRequests(t *testing.T) {
	gate := make(chan struct{})
	s := newTestService(&memStore{}, &fakeInference{plates: []string{"A-1"}, violation: "NONE", gate: gate}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.ProcessImage(ctx, testImage(), "")
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().Processing {
		if time.Now().After(deadline) {
			t.Fatal("first request never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.ProcessImage(ctx, testImage(), ""); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if err := s.SelectImage(testImage()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for image selection, got %v", err)
	}
	if err := s.ClearAllData(ctx, true); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy for clear-all, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if len(s.History()) != 1 {
		t.Errorf("expected 1 record, got %d", len(s.History()))
	}
}

func TestProcessImage_PersistFailureKeepsSessionLogs(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	s := newTestService(store, &fakeInference{plates: []string{"K-7"}, violation: "NONE"}, nil)

	if _, err := s.ProcessImage(context.Background(), testImage(), "k-7"); err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	if len(s.History()) != 1 || len(s.Alerts()) != 1 {
		t.Errorf("in-memory logs should still advance, got history=%d alerts=%d", len(s.History()), len(s.Alerts()))
	}
}

func TestProcessImage_PublishesEvents(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestService(&memStore{}, &fakeInference{plates: []string{"W-1"}, violation: "Red light"}, n)
	ctx := context.Background()

	if _, err := s.ProcessImage(ctx, testImage(), "w-1"); err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	if err := s.ClearAllData(ctx, true); err != nil {
		t.Fatalf("ClearAllData failed: %v", err)
	}

	want := []string{notify.EventDetectionRecorded, notify.EventWatchlistAlert, notify.EventDataCleared}
	if got := n.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestSelectImage_ResetsResults(t *testing.T) {
	s := newTestService(&memStore{}, &fakeInference{plates: []string{"P-1"}, violation: "Speeding"}, nil)
	ctx := context.Background()

	if err := s.SelectImage(pngImage(t)); err != nil {
		t.Fatalf("SelectImage failed: %v", err)
	}
	if !s.Snapshot().HasPreview {
		t.Error("expected a preview for a decodable image")
	}
	if _, ok := s.PreviewImage(); !ok {
		t.Error("PreviewImage should report a preview")
	}

	if _, err := s.ProcessSelected(ctx); err != nil {
		t.Fatalf("ProcessSelected failed: %v", err)
	}
	state := s.Snapshot()
	if !state.Processed || !state.HasViolation || len(state.DetectedPlates) != 1 {
		t.Errorf("unexpected state after processing: %+v", state)
	}

	if err := s.SelectImage(testImage()); err != nil {
		t.Fatalf("SelectImage failed: %v", err)
	}
	state = s.Snapshot()
	if state.Processed || state.Violation != "" || len(state.DetectedPlates) != 0 || state.Error != "" {
		t.Errorf("selecting an image should reset results, got %+v", state)
	}
	if state.HasPreview {
		t.Error("undecodable image should have no preview")
	}

	if err := s.SelectImage(&detection.Image{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty image, got %v", err)
	}
}

func TestWatchlistInput(t *testing.T) {
	s := newTestService(&memStore{}, &fakeInference{}, nil)

	s.SetWatchlist("AB-1\nCD-2")
	if got := s.Snapshot().WatchlistText; got != "AB-1\nCD-2" {
		t.Errorf("unexpected watchlist text %q", got)
	}

	s.ClearWatchlistInput()
	if got := s.Snapshot().WatchlistText; got != "" {
		t.Errorf("expected empty watchlist text, got %q", got)
	}
}

func TestClearAllData(t *testing.T) {
	store := &memStore{}
	s := newTestService(store, &fakeInference{plates: []string{"C-3"}, violation: "NONE"}, nil)
	ctx := context.Background()

	s.SetWatchlist("c-3")
	if err := s.SelectImage(pngImage(t)); err != nil {
		t.Fatalf("SelectImage failed: %v", err)
	}
	if _, err := s.ProcessSelected(ctx); err != nil {
		t.Fatalf("ProcessSelected failed: %v", err)
	}

	if err := s.ClearAllData(ctx, false); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected ErrConfirmationRequired, got %v", err)
	}
	if len(s.History()) != 1 {
		t.Fatal("unconfirmed clear must not change anything")
	}

	if err := s.ClearAllData(ctx, true); err != nil {
		t.Fatalf("ClearAllData failed: %v", err)
	}

	state := s.Snapshot()
	if state.HasImage || state.HasPreview || state.Processed || len(state.DetectedPlates) != 0 || state.Error != "" {
		t.Errorf("per-image state should be reset, got %+v", state)
	}
	if state.StatusMessage != DataClearedMessage {
		t.Errorf("expected status %q, got %q", DataClearedMessage, state.StatusMessage)
	}
	if state.WatchlistText != "c-3" {
		t.Errorf("watchlist text should survive clear-all, got %q", state.WatchlistText)
	}
	if len(s.History()) != 0 || len(s.Alerts()) != 0 {
		t.Error("logs should be empty")
	}

	reloaded := newTestService(store, &fakeInference{}, nil)
	reloaded.Load(ctx)
	if len(reloaded.History()) != 0 || len(reloaded.Alerts()) != 0 {
		t.Error("a fresh load after clear-all should find nothing")
	}
}

func TestLoad_DiscardsUnreadableLogs(t *testing.T) {
	store := &memStore{
		historyErr: fmt.Errorf("%w: first record has no plates", repository.ErrLegacyLog),
		alerts:     []string{"KEEP-1"},
	}
	s := newTestService(store, &fakeInference{}, nil)

	s.Load(context.Background())

	if len(s.History()) != 0 {
		t.Errorf("expected empty history, got %v", s.History())
	}
	if !reflect.DeepEqual(s.Alerts(), []string{"KEEP-1"}) {
		t.Errorf("alert log should load independently, got %v", s.Alerts())
	}
	if !reflect.DeepEqual(store.deleted, []string{repository.HistoryKey}) {
		t.Errorf("only the history should be deleted, got %v", store.deleted)
	}
}

func TestLoad_StoreUnavailableKeepsStoredValue(t *testing.T) {
	store := &memStore{alertsErr: errors.New("connection refused")}
	s := newTestService(store, &fakeInference{}, nil)

	s.Load(context.Background())

	if len(s.Alerts()) != 0 {
		t.Errorf("expected empty alert log, got %v", s.Alerts())
	}
	if len(store.deleted) != 0 {
		t.Errorf("stored logs must not be deleted on read errors, got %v", store.deleted)
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := db.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "session.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close(conn) })
	return conn
}

func TestLoad_LegacyHistoryInDatabase(t *testing.T) {
	conn := openTestDB(t)

	err := conn.Exec(
		"INSERT INTO log_entries (name, value, version, updated_at) VALUES (?, ?, ?, ?)",
		repository.HistoryKey, `[{"id":"1","plate":"ABC","violation":"NONE"}]`, 1, time.Now(),
	).Error
	if err != nil {
		t.Fatalf("Failed to seed legacy history: %v", err)
	}

	repo := repository.NewLogRepository(conn)
	s := newTestService(repo, &fakeInference{}, nil)
	ctx := context.Background()

	s.Load(ctx)
	if len(s.History()) != 0 {
		t.Fatalf("expected legacy history to be discarded, got %v", s.History())
	}

	history, err := repo.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("legacy value should have been removed, got %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty stored history, got %v", history)
	}
}

// cancellableGenerator answers like the hosted model but fails as soon as its
// context is cancelled.
type cancellableGenerator struct{}

func (cancellableGenerator) GenerateText(ctx context.Context, _ *detection.Image, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if prompt == inference.PlatePrompt {
		return "AB-12", nil
	}
	return "NONE", nil
}

func TestProcessImage_IgnoresCallerCancellation(t *testing.T) {
	repo := repository.NewLogRepository(openTestDB(t))
	s := newTestService(repo, inference.NewClient(cancellableGenerator{}, zerolog.Nop()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.ProcessImage(ctx, testImage(), "ab-12")
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	if result.Violation != "NONE" || !reflect.DeepEqual(result.Plates, []string{"AB-12"}) {
		t.Errorf("expected the model's answers, got plates=%v violation=%q", result.Plates, result.Violation)
	}

	stored, err := repo.LoadHistory(context.Background())
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(stored) != 1 || len(s.History()) != 1 {
		t.Errorf("expected one record in memory and in the store, got %d and %d", len(s.History()), len(stored))
	}

	alerts, err := repo.LoadAlerts(context.Background())
	if err != nil {
		t.Fatalf("LoadAlerts failed: %v", err)
	}
	if !reflect.DeepEqual(alerts, []string{"AB-12"}) {
		t.Errorf("expected stored alert log [AB-12], got %v", alerts)
	}
}

func TestProcessSelected_KeepsLaterSelection(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		s := newTestService(&memStore{}, &fakeInference{plates: []string{"A-1"}, violation: "NONE"}, nil)
		first := &detection.Image{Data: []byte("first"), MimeType: "image/jpeg", Filename: "first.jpg"}
		second := &detection.Image{Data: []byte("second"), MimeType: "image/jpeg", Filename: "second.jpg"}

		if err := s.SelectImage(first); err != nil {
			t.Fatalf("SelectImage failed: %v", err)
		}

		var (
			wg        sync.WaitGroup
			selectErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.ProcessSelected(ctx)
		}()
		go func() {
			defer wg.Done()
			selectErr = s.SelectImage(second)
		}()
		wg.Wait()

		got := s.Snapshot().Image.Filename
		switch {
		case selectErr == nil && got != "second.jpg":
			t.Fatalf("iteration %d: accepted selection was overwritten by %s", i, got)
		case errors.Is(selectErr, ErrBusy) && got != "first.jpg":
			t.Fatalf("iteration %d: rejected selection took effect", i)
		}
	}
}

func TestHistory_RecordsAreIsolated(t *testing.T) {
	s := newTestService(&memStore{}, &fakeInference{plates: []string{"AA-1"}, violation: "NONE"}, nil)

	result, err := s.ProcessImage(context.Background(), testImage(), "")
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}

	result.Plates[0] = "CHANGED-1"
	result.Record.Plates[0] = "CHANGED-2"
	s.History()[0].Plates[0] = "CHANGED-3"

	if got := s.History()[0].Plates[0]; got != "AA-1" {
		t.Errorf("stored record was modified through a returned value: %s", got)
	}
	if got := s.Snapshot().DetectedPlates[0]; got != "AA-1" {
		t.Errorf("session plates were modified through a returned value: %s", got)
	}
}
