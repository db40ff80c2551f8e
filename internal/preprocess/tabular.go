package preprocess

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidate delimiters in preference order on ties
var delimiters = []rune{',', ';', '\t', '|'}

func looksLikeCSV(data []byte) bool {
	line := firstLine(data)
	return detectDelimiter(line) != 0
}

func firstLine(data []byte) string {
	data = bytes.TrimPrefix(data, utf8BOM)
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return strings.TrimRight(string(data), "\r")
}

// detectDelimiter picks the candidate that occurs most often in the header
// line, or 0 when none occurs.
func detectDelimiter(header string) rune {
	var best rune
	bestCount := 0
	for _, d := range delimiters {
		if n := strings.Count(header, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// normalizeCSV strips a BOM, detects the delimiter and re-emits the rows as
// comma-separated text with blank rows removed.
func normalizeCSV(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	if d := detectDelimiter(firstLine(data)); d != 0 {
		r.Comma = d
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("malformed CSV: %w", err)
	}

	var rows [][]string
	for _, rec := range records {
		if !blankRow(rec) {
			rows = append(rows, rec)
		}
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("CSV has no rows")
	}
	return writeCSV(rows)
}

// spreadsheetToCSV flattens every non-empty sheet of an XLSX workbook into
// CSV text, each sheet introduced by a "# sheet: NAME" line.
func spreadsheetToCSV(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("unreadable XLSX: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("reading sheet %q: %w", sheet, err)
		}

		var kept [][]string
		for _, row := range rows {
			if !blankRow(row) {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			continue
		}

		text, err := writeCSV(kept)
		if err != nil {
			return "", err
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# sheet: %s\n", sheet)
		b.WriteString(text)
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("workbook has no data")
	}
	return b.String(), nil
}

func writeCSV(rows [][]string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("writing CSV: %w", err)
	}
	return buf.String(), nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
