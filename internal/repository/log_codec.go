package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"traffic-monitor-service/internal/domain/detection"
)

const (
	legacyLogVersion  = 1
	currentLogVersion = 2
)

var (
	// ErrMalformedLog means a stored log could not be decoded at all.
	ErrMalformedLog = errors.New("malformed log")
	// ErrLegacyLog means a stored log uses a record shape that predates plate lists.
	ErrLegacyLog = errors.New("legacy log format")
)

type logEnvelope struct {
	Version int             `json:"version"`
	Entries json.RawMessage `json:"entries"`
}

func encodeLog(entries interface{}) ([]byte, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return json.Marshal(logEnvelope{Version: currentLogVersion, Entries: raw})
}

// unwrapLog accepts both the versioned envelope and the bare array written by
// the first release.
func unwrapLog(raw []byte) (json.RawMessage, int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, 0, fmt.Errorf("%w: empty value", ErrMalformedLog)
	}

	switch trimmed[0] {
	case '[':
		return trimmed, legacyLogVersion, nil
	case '{':
		var env logEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		if env.Version != currentLogVersion {
			return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrMalformedLog, env.Version)
		}
		return env.Entries, env.Version, nil
	default:
		return nil, 0, fmt.Errorf("%w: unexpected value", ErrMalformedLog)
	}
}

func decodeHistory(raw []byte) ([]detection.Record, error) {
	entries, version, err := unwrapLog(raw)
	if err != nil {
		return nil, err
	}
	if isNull(entries) {
		return []detection.Record{}, nil
	}

	if version == legacyLogVersion {
		var probe []map[string]json.RawMessage
		if err := json.Unmarshal(entries, &probe); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		if len(probe) > 0 && !isArray(probe[0]["plates"]) {
			return nil, ErrLegacyLog
		}
	}

	var records []detection.Record
	if err := json.Unmarshal(entries, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	for i := range records {
		if records[i].Plates == nil {
			records[i].Plates = []string{}
		}
	}
	return records, nil
}

func decodeAlerts(raw []byte) ([]string, error) {
	entries, _, err := unwrapLog(raw)
	if err != nil {
		return nil, err
	}
	if isNull(entries) {
		return []string{}, nil
	}

	var plates []string
	if err := json.Unmarshal(entries, &plates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	return plates, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
