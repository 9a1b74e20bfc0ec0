// Package roster loads campaign recipient lists from tabular CSV input.
//
// Headers are normalized (lowercased, trimmed) and matched against known
// aliases, so "Full Name", "full_name" and "name" all map to the same field.
// An email column is mandatory; rows without a usable address are counted
// and skipped rather than failing the whole load.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/corpwell/campaigner/internal/domain"
)

var (
	ErrEmptyFile          = errors.New("recipient file is empty")
	ErrNoHeaders          = errors.New("no header row detected in recipient file")
	ErrMissingEmailColumn = errors.New("recipient file has no email column")
)

// Header aliases for auto-mapping, matched after lowercasing and trimming.
var headerAliases = map[string][]string{
	"email":     {"email", "email_address", "e-mail", "emailaddress", "mail"},
	"full_name": {"full_name", "full name", "fullname", "name", "recipient_name"},
}

// LoadResult carries the parsed recipients plus load statistics.
type LoadResult struct {
	Recipients []domain.Recipient
	Skipped    int      // rows without a usable email address
	Errors     []string // sample of row-level problems, capped
}

const maxSampledErrors = 10

// Load parses a recipient list from r. It streams the input row by row and
// never holds the raw file in memory. A missing email column is fatal;
// malformed rows are not.
func Load(r io.Reader) (*LoadResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // tolerate ragged rows, validate per row
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, ErrNoHeaders
	}

	emailIdx, nameIdx := -1, -1
	for i, col := range header {
		switch mapHeader(col) {
		case "email":
			if emailIdx < 0 {
				emailIdx = i
			}
		case "full_name":
			if nameIdx < 0 {
				nameIdx = i
			}
		}
	}
	if emailIdx < 0 {
		return nil, ErrMissingEmailColumn
	}

	result := &LoadResult{}
	seen := make(map[string]bool)
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Skipped++
			result.sampleError(fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		rec := domain.Recipient{}
		if emailIdx < len(row) {
			rec.Email = strings.TrimSpace(row[emailIdx])
		}
		if nameIdx >= 0 && nameIdx < len(row) {
			rec.FullName = strings.TrimSpace(row[nameIdx])
		}

		if !rec.Valid() {
			result.Skipped++
			result.sampleError(fmt.Sprintf("line %d: missing or malformed email", line))
			continue
		}
		if seen[rec.Key()] {
			result.Skipped++
			result.sampleError(fmt.Sprintf("line %d: duplicate address", line))
			continue
		}
		seen[rec.Key()] = true
		result.Recipients = append(result.Recipients, rec)
	}

	return result, nil
}

func (lr *LoadResult) sampleError(msg string) {
	if len(lr.Errors) < maxSampledErrors {
		lr.Errors = append(lr.Errors, msg)
	}
}

func mapHeader(col string) string {
	normalized := strings.ToLower(strings.TrimSpace(col))
	for field, aliases := range headerAliases {
		for _, alias := range aliases {
			if normalized == alias {
				return field
			}
		}
	}
	return ""
}
