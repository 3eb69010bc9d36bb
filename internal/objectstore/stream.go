package objectstore

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// RecordStream yields header-keyed CSV rows from a gzip stream. Rows are
// returned as raw string slices aligned with Columns(); the analytical store
// owns any typing decisions.
type RecordStream struct {
	src     io.ReadCloser
	gz      *gzip.Reader
	csv     *csv.Reader
	columns []string
	line    int
}

// NewRecordStream wraps an already-open gzip CSV body. The header row is
// consumed eagerly so schema discovery does not need a second pass.
func NewRecordStream(src io.ReadCloser) (*RecordStream, error) {
	gz, err := gzip.NewReader(bufio.NewReaderSize(src, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}

	cr := csv.NewReader(bufio.NewReaderSize(gz, 1<<20))
	cr.ReuseRecord = true
	// Vendor files occasionally carry ragged trailing columns.
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		gz.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("csv header: empty file")
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}

	columns := make([]string, len(header))
	copy(columns, header)

	return &RecordStream{src: src, gz: gz, csv: cr, columns: columns, line: 1}, nil
}

// Columns returns the header row, in file order.
func (s *RecordStream) Columns() []string {
	return s.columns
}

// Next returns the next data row, io.EOF at end of stream. The returned slice
// is only valid until the following call to Next.
func (s *RecordStream) Next() ([]string, error) {
	row, err := s.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("csv row %d: %w", s.line+1, err)
	}
	s.line++
	return row, nil
}

// Line reports the last line read, header included. Used for malformed-row
// error context.
func (s *RecordStream) Line() int {
	return s.line
}

func (s *RecordStream) Close() error {
	gzErr := s.gz.Close()
	srcErr := s.src.Close()
	if gzErr != nil {
		return gzErr
	}
	return srcErr
}
