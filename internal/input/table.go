// Package input reads the uploaded contact and board spreadsheets, applies
// the operator's column mapping and computes the match preview.
package input

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Table is a parsed spreadsheet: the header row and every data row keyed by
// header name.
type Table struct {
	Header []string
	Rows   []map[string]string
}

// HasColumn reports whether name is a header column.
func (t *Table) HasColumn(name string) bool {
	for _, h := range t.Header {
		if h == name {
			return true
		}
	}
	return false
}

// ReadTable reads a .csv or .xlsx file. For CSV a zero delimiter means
// detect it from the first bytes of the file.
func ReadTable(path string, delimiter rune) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "input: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(f, delimiter)
	}
}

// ReadCSV parses CSV with a header row. A UTF-8 or UTF-16 byte order mark
// is honoured and stripped.
func ReadCSV(r io.Reader, delimiter rune) (*Table, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	br := bufio.NewReaderSize(decoded, 8192)
	if delimiter == 0 {
		head, _ := br.Peek(4096)
		delimiter = DetectDelimiter(head)
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "input: read csv")
	}
	return fromRecords(records)
}

// ReadXLSX reads the first sheet of a workbook.
func ReadXLSX(path string) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "input: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("input: %s has no sheets", filepath.Base(path))
	}

	var records [][]string
	for _, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		records = append(records, cells)
	}
	return fromRecords(records)
}

// DetectDelimiter guesses between ';' and ',' by counting both in sample.
func DetectDelimiter(sample []byte) rune {
	if bytes.Count(sample, []byte(";")) > bytes.Count(sample, []byte(",")) {
		return ';'
	}
	return ','
}

func fromRecords(records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, eris.New("input: file is empty")
	}
	t := &Table{Header: make([]string, len(records[0]))}
	for i, h := range records[0] {
		t.Header[i] = strings.TrimSpace(h)
	}

	for _, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		row := make(map[string]string, len(t.Header))
		for i, h := range t.Header {
			if h == "" {
				continue
			}
			if i < len(rec) {
				row[h] = strings.TrimSpace(rec[i])
			} else {
				row[h] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
