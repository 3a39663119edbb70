package credentials

import "time"

// Source identifies where a credential set was obtained.
type Source string

const (
	// SourceBrowser marks sets harvested by an automated browser session.
	SourceBrowser Source = "browser"
	// SourceManual marks sets pasted or pushed by an operator.
	SourceManual Source = "manual"
	// SourceMirror marks sets received from a sibling relay via Redis.
	SourceMirror Source = "mirror"
)

// Set is one generation of origin session credentials together with the time
// it was installed and where it came from.
type Set struct {
	Values    map[string]string
	AppliedAt time.Time
	Source    Source
}

// Count returns the number of name/value pairs in the set.
func (s Set) Count() int {
	return len(s.Values)
}

// Clone returns a deep copy so callers can hold a snapshot without racing
// against later updates.
func (s Set) Clone() Set {
	values := make(map[string]string, len(s.Values))
	for name, value := range s.Values {
		values[name] = value
	}
	return Set{Values: values, AppliedAt: s.AppliedAt, Source: s.Source}
}

// Equal reports whether two sets carry identical name/value pairs. Timestamps
// and provenance are ignored; a rotated set with the same pairs is the same
// credential material.
func (s Set) Equal(other Set) bool {
	if len(s.Values) != len(other.Values) {
		return false
	}
	for name, value := range s.Values {
		if other.Values[name] != value {
			return false
		}
	}
	return true
}
