package table

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tables serialize as a CSV data file plus a JSON schema sidecar. The
// sidecar pins column order, kinds and the row count, so decoding never
// guesses types from cell text. String cells use the PostgreSQL COPY text
// escapes (\\, \n, \r) and NULL cells the \N token; keeping cells
// single-line sidesteps encoding/csv's CRLF normalization inside quoted
// fields.

const nullToken = `\N`

// schemaFile is the sidecar layout.
type schemaFile struct {
	Columns Schema `json:"columns"`
	Rows    int    `json:"rows"`
}

// WriteCSV encodes the table rows (header line first) to w.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	header := make([]string, t.NumCols())
	for i, c := range t.cols {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, t.NumCols())
	for r := 0; r < t.NumRows(); r++ {
		for c := range t.cols {
			record[c] = encodeCell(t.cols[c].Kind, t.data[c][r])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", r, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV decodes rows previously produced by WriteCSV against the given
// schema. The header line is validated against the schema's column names.
func ReadCSV(r io.Reader, schema Schema) (*Table, error) {
	t, err := New(schema...)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(schema)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("read header: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, c := range schema {
		if header[i] != c.Name {
			return nil, fmt.Errorf("header column %d is %q, schema says %q", i, header[i], c.Name)
		}
	}
	row := make([]any, len(schema))
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		for i, c := range schema {
			v, err := decodeCell(c.Kind, record[i])
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, c.Name, err)
			}
			row[i] = v
		}
		if err := t.AppendRow(row...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func encodeCell(k Kind, v any) string {
	if v == nil {
		return nullToken
	}
	switch k {
	case Int64:
		return strconv.FormatInt(v.(int64), 10)
	case Float64:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case Bool:
		return strconv.FormatBool(v.(bool))
	case Time:
		return v.(time.Time).Format(time.RFC3339Nano)
	case Decimal:
		return v.(decimal.Decimal).String()
	default:
		return escapeString(v.(string))
	}
}

func decodeCell(k Kind, s string) (any, error) {
	if s == nullToken {
		return nil, nil
	}
	switch k {
	case Int64:
		return strconv.ParseInt(s, 10, 64)
	case Float64:
		return strconv.ParseFloat(s, 64)
	case Bool:
		return strconv.ParseBool(s)
	case Time:
		return time.Parse(time.RFC3339Nano, s)
	case Decimal:
		return decimal.NewFromString(s)
	default:
		return unescapeString(s), nil
	}
}

func escapeString(s string) string {
	if !strings.ContainsAny(s, "\\\n\r") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescapeString(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// WriteFile writes <base>.csv and <base>.schema.json under dir.
func WriteFile(dir, base string, t *Table) error {
	f, err := os.Create(filepath.Join(dir, base+".csv"))
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close data file: %w", err)
	}
	sf := schemaFile{Columns: t.Schema(), Rows: t.NumRows()}
	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".schema.json"), raw, 0o644); err != nil {
		return fmt.Errorf("write schema file: %w", err)
	}
	return nil
}

// ReadFile reads a table written by WriteFile.
func ReadFile(dir, base string) (*Table, error) {
	raw, err := os.ReadFile(filepath.Join(dir, base+".schema.json"))
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var sf schemaFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	f, err := os.Open(filepath.Join(dir, base+".csv"))
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()
	t, err := ReadCSV(f, sf.Columns)
	if err != nil {
		return nil, err
	}
	if t.NumRows() != sf.Rows {
		return nil, fmt.Errorf("data file has %d rows, schema says %d", t.NumRows(), sf.Rows)
	}
	return t, nil
}
