package pool

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

type Format string

const (
	FormatText  Format = "text"
	FormatLines Format = "lines"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
)

// ParseOptions controls how raw source bytes become items.
type ParseOptions struct {
	Format Format
	// Separator splits FormatText. Empty means one or more blank lines.
	Separator string
	// CSVColumn picks the CSV column: a header name, or a 0-based index
	// when the file has no header row.
	CSVColumn string
}

var blankLines = regexp.MustCompile(`\n[ \t\r]*\n`)

// Parse splits data into trimmed, non-empty, de-duplicated items in source
// order.
func Parse(data []byte, opts ParseOptions) ([]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	var raw []string
	switch opts.Format {
	case "", FormatText:
		if opts.Separator == "" {
			raw = blankLines.Split(text, -1)
		} else {
			raw = strings.Split(text, opts.Separator)
		}
	case FormatLines:
		raw = strings.Split(text, "\n")
	case FormatCSV:
		var err error
		if raw, err = parseCSV(text, opts.CSVColumn); err != nil {
			return nil, err
		}
	case FormatJSON:
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return nil, fmt.Errorf("json items: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown pool format %q", opts.Format)
	}
	return clean(raw), nil
}

func parseCSV(text, column string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	idx, header := 0, false
	if column != "" {
		if n, err := strconv.Atoi(column); err == nil {
			idx = n
		} else {
			header = true
		}
	}

	var out []string
	for first := true; ; first = false {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv items: %w", err)
		}
		if first && header {
			idx = -1
			for i, h := range rec {
				if strings.EqualFold(strings.TrimSpace(h), column) {
					idx = i
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("csv items: no column %q", column)
			}
			continue
		}
		if idx < len(rec) {
			out = append(out, rec[idx])
		}
	}
	return out, nil
}

func clean(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, it := range raw {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
