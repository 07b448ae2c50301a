package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// csvRow looks up a column of the current row by header name.
type csvRow func(col string) string

// readCSV parses a header-based CSV export and calls fn for every data row.
// Column names are matched case-insensitively; values are trimmed. Rows that
// fail to parse become warnings.
func readCSV(data []byte, required string, fn func(rowNum int, get csvRow) (warning string)) ([]string, error) {
	// Strip UTF-8 BOM if present
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex[required]; !ok {
		return nil, fmt.Errorf("missing required column: %s", required)
	}

	var warnings []string
	rowNum := 1 // header is row 1
	for {
		rowNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}
		if len(row) != len(header) {
			warnings = append(warnings, fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
				rowNum, len(header), len(row)))
			continue
		}
		get := func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return strings.TrimSpace(row[idx])
			}
			return ""
		}
		if w := fn(rowNum, get); w != "" {
			warnings = append(warnings, fmt.Sprintf("row %d: %s", rowNum, w))
		}
	}
	return warnings, nil
}
