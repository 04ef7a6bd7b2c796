package frame

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadCSV reads a frame file. When columns is empty the first row is the
// header; otherwise every row is data and columns fixes the field order.
// Numeric-looking cells coerce to int or float.
func loadCSV(path string, columns []string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := columns
	start := 0
	if len(header) == 0 {
		header = records[0]
		start = 1
	}

	rows := make([]map[string]any, 0, len(records)-start)
	for _, rec := range records[start:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i >= len(rec) {
				row[col] = nil
				continue
			}
			row[col] = coerceCell(rec[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// coerceCell turns numeric-looking cells into numbers and leaves everything
// else as text.
func coerceCell(cell string) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return ""
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return cell
}
