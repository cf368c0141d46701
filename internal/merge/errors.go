package merge

import (
	"fmt"
	"strings"
)

// TransformationError reports that an indicator has no data in its base
// artifact after a merge. It is fatal to the indicator only.
type TransformationError struct {
	SourceID    string
	IndicatorID string
	Reason      string
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("indicator %s (source %s): %s", e.IndicatorID, e.SourceID, e.Reason)
}

// WarningKind names a class of recoverable merge condition.
type WarningKind string

const (
	// WarnDuplicateKeys means the incoming frame repeated keys; the first
	// row per key was kept.
	WarnDuplicateKeys WarningKind = "duplicate_keys"

	// WarnUnchanged means a prior artifact existed and the merge left its
	// checksum unchanged.
	WarnUnchanged WarningKind = "unchanged_checksum"
)

// Warning is a recoverable data-quality signal raised by a merge.
type Warning struct {
	Kind        WarningKind
	SourceID    string
	IndicatorID string
	Keys        []string
}

func (w *Warning) Error() string {
	switch w.Kind {
	case WarnDuplicateKeys:
		return fmt.Sprintf("indicator %s: duplicate keys kept first occurrence: %s",
			w.IndicatorID, strings.Join(w.Keys, ", "))
	case WarnUnchanged:
		return fmt.Sprintf("indicator %s: base artifact for %s unchanged after merge",
			w.IndicatorID, w.SourceID)
	default:
		return fmt.Sprintf("indicator %s: %s", w.IndicatorID, w.Kind)
	}
}
