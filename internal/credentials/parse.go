package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload indicates that an ingestion payload matched none of the
// accepted credential encodings.
var ErrMalformedPayload = errors.New("credential payload not recognised")

// Format records which of the accepted encodings a payload used.
type Format string

const (
	// FormatObject is a JSON object mapping cookie names to values.
	FormatObject Format = "object"
	// FormatRecords is a JSON array of {name, value} records, the shape
	// produced by browser automation cookie dumps.
	FormatRecords Format = "records"
	// FormatHeader is a semicolon-delimited Cookie header string.
	FormatHeader Format = "header"
)

// SourceForFormat maps a payload encoding to the provenance recorded on the
// store: record arrays come from browser harvests, everything else is treated
// as operator input.
func SourceForFormat(format Format) Source {
	if format == FormatRecords {
		return SourceBrowser
	}
	return SourceManual
}

type cookieRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParsePayload normalises the three accepted textual encodings of a
// credential set into name/value pairs. A payload that parses but yields zero
// entries is not an error; callers decide how to treat empty sets.
func ParsePayload(raw string) (map[string]string, Format, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]string{}, FormatHeader, nil
	}

	switch trimmed[0] {
	case '{':
		var values map[string]string
		if err := json.Unmarshal([]byte(trimmed), &values); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if values == nil {
			values = map[string]string{}
		}
		return values, FormatObject, nil
	case '[':
		var records []cookieRecord
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		values := make(map[string]string, len(records))
		for _, record := range records {
			if record.Name == "" {
				continue
			}
			values[record.Name] = record.Value
		}
		return values, FormatRecords, nil
	default:
		return parseHeader(trimmed)
	}
}

func parseHeader(raw string) (map[string]string, Format, error) {
	values := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, "", fmt.Errorf("%w: %q is not a name=value pair", ErrMalformedPayload, part)
		}
		values[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return values, FormatHeader, nil
}
