// Package importer parses CSV uploads into card drafts.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoHeader is returned when the input has no header row.
var ErrNoHeader = errors.New("csv has no header row")

// Mapping maps a CSV column header to a field slug. The special slug
// "title" sets the card title.
type Mapping map[string]string

// Row is one parsed data row with its values keyed by field slug.
type Row struct {
	Line   int
	Values map[string]any
}

// RowError reports a row that could not be used.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e RowError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Message) }

var bom = []byte{0xEF, 0xBB, 0xBF}

// Parse reads a CSV document. The delimiter is ',' or ';', whichever occurs
// more often in the header line. Columns missing from mapping are ignored;
// when mapping is empty each header is used as the slug. Blank cells are
// left out of the row values.
func Parse(r io.Reader, mapping Mapping) ([]Row, []RowError, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(3)
	if err == nil && bytes.Equal(head, bom) {
		_, _ = br.Discard(3)
	}
	firstLine, err := br.Peek(br.Size())
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}

	cr := csv.NewReader(br)
	cr.Comma = detectDelimiter(firstLine)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, ErrNoHeader
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	slugs := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if len(mapping) == 0 {
			slugs[i] = h
			continue
		}
		slugs[i] = mapping[h]
	}

	var rows []Row
	var rowErrs []RowError
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rowErrs = append(rowErrs, RowError{Line: perr.StartLine, Message: perr.Err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		values := make(map[string]any, len(rec))
		for i, cell := range rec {
			if i >= len(slugs) || slugs[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			values[slugs[i]] = cell
		}
		if len(values) == 0 {
			continue
		}
		rows = append(rows, Row{Line: line, Values: values})
	}
	return rows, rowErrs, nil
}

func detectDelimiter(sample []byte) rune {
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}
	if bytes.Count(sample, []byte{';'}) > bytes.Count(sample, []byte{','}) {
		return ';'
	}
	return ','
}
