// Package importer drives file imports end to end: source parsing, file
// discovery and hashing, row selection, and the batch import loop that feeds
// the mapping layer and the audit hierarchy.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// ErrUnsupportedFormat is returned when a source file extension is not
// recognized.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Row is one data row of a source table. Num is the 1-based position in the
// file, counting the header row, so the first data row is usually row 2.
type Row struct {
	Num    int
	Values map[string]string
}

// Table is a parsed source file: ordered headers plus every data row.
type Table struct {
	Path    string
	Headers []string
	Rows    []Row
}

// ReadTable parses path into a table, dispatching on the file extension.
func ReadTable(path string) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		return readCSV(path)
	case ".xlsx":
		return readExcel(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func readCSV(path string) (*Table, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv file: %w", err)
	}

	// Excel-exported CSVs are frequently Latin-1; fall back when the payload
	// is not valid UTF-8.
	if !utf8.Valid(payload) {
		decoded, decodeErr := charmap.ISO8859_1.NewDecoder().Bytes(payload)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode csv file: %w", decodeErr)
		}
		payload = decoded
	}

	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	table, err := normalizeTable(records)
	if err != nil {
		return nil, err
	}
	table.Path = path
	return table, nil
}

func readExcel(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	table, err := normalizeTable(records)
	if err != nil {
		return nil, err
	}
	table.Path = path
	return table, nil
}

// normalizeTable takes the first non-empty record as the header row and turns
// every later record into a header-keyed row. Rows keep their original file
// position so audit records can point back at the source line.
func normalizeTable(records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, errors.New("no rows found in file")
	}

	headerIndex := -1
	var headers []string
	for idx, record := range records {
		if rowEmpty(record) {
			continue
		}
		headerIndex = idx
		headers = make([]string, len(record))
		for i, cell := range record {
			headers[i] = strings.TrimSpace(cell)
		}
		break
	}
	if headerIndex < 0 {
		return nil, errors.New("header row could not be detected")
	}

	var rows []Row
	for idx := headerIndex + 1; idx < len(records); idx++ {
		record := padRow(records[idx], len(headers))
		values := make(map[string]string, len(headers))
		for i, header := range headers {
			values[header] = strings.TrimSpace(record[i])
		}
		rows = append(rows, Row{Num: idx + 1, Values: values})
	}

	return &Table{Headers: headers, Rows: rows}, nil
}

func rowEmpty(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func padRow(record []string, length int) []string {
	if len(record) >= length {
		return record[:length]
	}
	padded := make([]string, length)
	copy(padded, record)
	return padded
}
