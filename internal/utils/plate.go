package utils

import "strings"

// NormalizePlate trims and upper-cases a plate for comparison.
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}

// NormalizePlates normalizes every plate, dropping the ones that end up empty.
func NormalizePlates(plates []string) []string {
	result := make([]string, 0, len(plates))
	for _, p := range plates {
		if n := NormalizePlate(p); n != "" {
			result = append(result, n)
		}
	}
	return result
}

// ParseWatchlist turns operator input (one plate per line) into normalized plates.
func ParseWatchlist(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return NormalizePlates(strings.Split(text, "\n"))
}

// SplitPlateList splits a comma separated model answer into trimmed plates.
func SplitPlateList(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}

	parts := strings.Split(text, ",")
	plates := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			plates = append(plates, p)
		}
	}
	return plates
}

// MatchWatchlist returns the normalized detected plates that appear on the
// watchlist, in detection order and without repeats.
func MatchWatchlist(detected, watchlist []string) []string {
	if len(detected) == 0 || len(watchlist) == 0 {
		return nil
	}

	wanted := make(map[string]struct{}, len(watchlist))
	for _, w := range watchlist {
		wanted[NormalizePlate(w)] = struct{}{}
	}

	var matched []string
	seen := make(map[string]struct{})
	for _, plate := range NormalizePlates(detected) {
		if _, ok := wanted[plate]; !ok {
			continue
		}
		if _, dup := seen[plate]; dup {
			continue
		}
		seen[plate] = struct{}{}
		matched = append(matched, plate)
	}
	return matched
}
