package fetch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strings"

	"github.com/mohammed-shakir/ais-feed-cache/internal/core/model"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// rowReader turns header-driven CSV into records. Short rows leave the
// trailing columns absent; extra fields are dropped; blank lines are skipped.
type rowReader struct {
	r      *csv.Reader
	header []string
}

func newRowReader(r io.Reader) *rowReader {
	br := bufio.NewReaderSize(r, 64<<10)
	// read errors resurface on the next Read
	if b, _ := br.Peek(len(utf8BOM)); bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &rowReader{r: cr}
}

// Next returns io.EOF after the last record.
func (rr *rowReader) Next() (model.Record, error) {
	if rr.header == nil {
		h, err := rr.r.Read()
		if err != nil {
			return nil, err
		}
		rr.header = make([]string, len(h))
		for i, name := range h {
			rr.header[i] = strings.TrimSpace(name)
		}
	}
	row, err := rr.r.Read()
	if err != nil {
		return nil, err
	}
	n := min(len(row), len(rr.header))
	rec := make(model.Record, n)
	for i := range n {
		rec[rr.header[i]] = row[i]
	}
	return rec, nil
}
