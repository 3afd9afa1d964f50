// Package bracketing groups exposure-bracketed shots by capture timestamp.
package bracketing

import (
	"fmt"
	"sort"
	"time"

	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/fileutil"
)

// FileMetadata is one discovered file with its EXIF capture time.
type FileMetadata struct {
	Name         string `json:"name"`
	PathLower    string `json:"path_lower"`
	DateTaken    string `json:"date_taken"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// BracketFile is a bracket member as passed to the process stage.
type BracketFile struct {
	Name      string `json:"name"`
	PathLower string `json:"path_lower"`
}

// captureTimeLayout is how timestamps travel between stages.
const captureTimeLayout = "2006-01-02T15:04:05"

// TimeDeltaWithDJIOverride resolves the grouping window. A nil requested
// value means the 2s default; when more than half of the files are DJI
// drone captures the window is forced to 10s regardless of the request.
func TimeDeltaWithDJIOverride(requestedSeconds *float64, files []FileMetadata) time.Duration {
	seconds := constants.DefaultTimeDeltaSeconds
	if requestedSeconds != nil && *requestedSeconds > 0 {
		seconds = *requestedSeconds
	}

	djiCount := 0
	for _, f := range files {
		if fileutil.IsDJIFile(f.Name) {
			djiCount++
		}
	}

	if len(files) > 0 && float64(djiCount)/float64(len(files)) > 0.5 {
		seconds = constants.DJITimeDeltaSeconds
	}

	return time.Duration(seconds * float64(time.Second))
}

// Group splits files into brackets. Files are sorted by capture time, then a
// new bracket starts whenever the gap to the previous member exceeds
// timeDelta. The gap is measured against the last member, not the bracket's
// first shot.
func Group(files []FileMetadata, timeDelta time.Duration) ([][]BracketFile, error) {
	if len(files) == 0 {
		return nil, nil
	}

	sorted := make([]FileMetadata, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DateTaken < sorted[j].DateTaken
	})

	var brackets [][]BracketFile
	var current []BracketFile
	var lastTime time.Time

	for _, f := range sorted {
		currentTime, err := time.Parse(captureTimeLayout, f.DateTaken)
		if err != nil {
			return nil, fmt.Errorf("invalid date_taken %q for %s: %w", f.DateTaken, f.Name, err)
		}

		if len(current) == 0 || currentTime.Sub(lastTime) <= timeDelta {
			current = append(current, BracketFile{Name: f.Name, PathLower: f.PathLower})
		} else {
			brackets = append(brackets, current)
			current = []BracketFile{{Name: f.Name, PathLower: f.PathLower}}
		}
		lastTime = currentTime
	}

	if len(current) > 0 {
		brackets = append(brackets, current)
	}

	return brackets, nil
}

// SortChronologically orders brackets by the earliest capture time among
// their members. Brackets with equal earliest times keep their input order.
func SortChronologically(brackets [][]BracketFile, metadata []FileMetadata) [][]BracketFile {
	if len(brackets) == 0 || len(metadata) == 0 {
		return brackets
	}

	lookup := make(map[string]string, len(metadata))
	for _, f := range metadata {
		lookup[f.Name] = f.DateTaken
	}

	earliest := func(bracket []BracketFile) string {
		min := "9999-12-31"
		for _, f := range bracket {
			if t, ok := lookup[f.Name]; ok && t < min {
				min = t
			}
		}
		return min
	}

	sorted := make([][]BracketFile, len(brackets))
	copy(sorted, brackets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return earliest(sorted[i]) < earliest(sorted[j])
	})
	return sorted
}

// FlattenMetadata normalizes the aggregated metadata collected across pages.
// The aggregation step may hand us [{...}], [[{...}], [{...}]] or a
// double-nested [[{...}]]; all three flatten to one file list.
func FlattenMetadata(aggregated []any) ([]FileMetadata, error) {
	var raw []any

	if len(aggregated) == 1 {
		if inner, ok := aggregated[0].([]any); ok {
			raw = inner
		}
	}
	if raw == nil {
		for _, item := range aggregated {
			if inner, ok := item.([]any); ok {
				raw = append(raw, inner...)
			} else {
				raw = append(raw, item)
			}
		}
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("no metadata found after flattening")
	}

	files := make([]FileMetadata, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid metadata entry type %T", item)
		}
		files = append(files, FileMetadata{
			Name:         stringField(entry, "name"),
			PathLower:    stringField(entry, "path_lower"),
			DateTaken:    stringField(entry, "date_taken"),
			Manufacturer: stringField(entry, "manufacturer"),
		})
	}

	if files[0].DateTaken == "" {
		return nil, fmt.Errorf("invalid format: 'date_taken' field missing")
	}

	return files, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
