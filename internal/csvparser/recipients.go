// Package csvparser reads bulk-send recipient lists.
package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// DefaultMaxRows caps a bulk upload when the caller passes no limit.
const DefaultMaxRows = 1000

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// RecipientRow is one line of a bulk upload. Subject and Content come from
// columns of the same name when present; every other column lands in Fields
// and can be referenced from the subject or body as {{Column}}.
type RecipientRow struct {
	Line    int
	Email   string
	Subject string
	Content string
	Fields  map[string]string
}

// Render substitutes {{Field}} placeholders, falling back to the given
// defaults when the row has no subject or content of its own.
func (r RecipientRow) Render(subject, content string) (string, string) {
	if r.Subject != "" {
		subject = r.Subject
	}
	if r.Content != "" {
		content = r.Content
	}
	if len(r.Fields) == 0 {
		return subject, content
	}

	pairs := make([]string, 0, 2*len(r.Fields))
	for k, v := range r.Fields {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	rep := strings.NewReplacer(pairs...)
	return rep.Replace(subject), rep.Replace(content)
}

// ParseRecipientRows parses a CSV with a header row containing an "Email"
// column (case-insensitive). Rows with the wrong column count or an empty
// email are skipped; their line numbers are returned alongside the rows.
func ParseRecipientRows(r io.Reader, maxRows int) (rows []RecipientRow, skipped []int, err error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, nil, err
	}

	emailIdx, subjectIdx, contentIdx := -1, -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "subject"):
			subjectIdx = i
		case strings.EqualFold(h, "content"), strings.EqualFold(h, "body"):
			contentIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		// physical line where the record starts; quoted fields may span lines
		line, _ := reader.FieldPos(0)
		if len(record) != len(headers) {
			skipped = append(skipped, line)
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			skipped = append(skipped, line)
			continue
		}

		row := RecipientRow{Line: line, Email: email, Fields: make(map[string]string, len(headers))}
		for i, v := range record {
			v = strings.TrimSpace(v)
			switch i {
			case emailIdx:
			case subjectIdx:
				row.Subject = v
			case contentIdx:
				row.Content = v
			default:
				if normalized[i] != "" {
					row.Fields[normalized[i]] = v
				}
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, skipped, ErrNoRows
	}
	return rows, skipped, nil
}
