package detection

import (
	"strings"
	"time"
)

// NoViolation is what the model answers when the scene has no violations.
const NoViolation = "NONE"

type Image struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
}

func (i *Image) Empty() bool {
	return i == nil || len(i.Data) == 0
}

type Record struct {
	ID         string    `json:"id"`
	Plates     []string  `json:"plates"`
	Violation  string    `json:"violation"`
	DetectedAt time.Time `json:"detected_at,omitempty"`
}

type ProcessResult struct {
	Plates       []string `json:"plates"`
	Violation    string   `json:"violation"`
	HasViolation bool     `json:"has_violation"`
	Record       *Record  `json:"record,omitempty"`
	NewAlerts    []string `json:"new_alerts"`
}

type SessionState struct {
	HasImage       bool     `json:"has_image"`
	Image          *Image   `json:"image,omitempty"`
	HasPreview     bool     `json:"has_preview"`
	Processed      bool     `json:"processed"`
	Processing     bool     `json:"processing"`
	WatchlistText  string   `json:"watchlist_text"`
	DetectedPlates []string `json:"detected_plates"`
	Violation      string   `json:"violation"`
	HasViolation   bool     `json:"has_violation"`
	Error          string   `json:"error,omitempty"`
	StatusMessage  string   `json:"status_message,omitempty"`
}

// HasViolation reports whether text describes at least one violation.
func HasViolation(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed != "" && strings.ToUpper(trimmed) != NoViolation
}

// Informative is true when a processed image is worth keeping in the history.
func Informative(plates []string, violation string) bool {
	return len(plates) > 0 || HasViolation(violation)
}
