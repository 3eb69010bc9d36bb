package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrMalformed marks a source row the loader could not map onto the bronze
// schema. The whole transaction rolls back; bronze is untouched.
var ErrMalformed = errors.New("malformed source data")

// RecordSource is the stream contract BulkLoad consumes. Satisfied by
// objectstore.RecordStream and by in-memory fakes in tests.
type RecordSource interface {
	Columns() []string
	Next() ([]string, error)
	Line() int
}

// LoadMeta carries the four metadata columns stamped onto every bronze row.
type LoadMeta struct {
	DataDate      time.Time
	Exchange      string
	SourceFile    string
	IngestionTime time.Time
}

// BronzeTable returns the bronze fact table name for an exchange.
func BronzeTable(exchange string) string {
	return "bronze." + strings.ToLower(exchange) + "_market_data_raw"
}

// insertBatchRows is how many source rows one multi-row INSERT carries.
const insertBatchRows = 512

// BulkLoad streams every record from src into the exchange's bronze table
// inside tx, appending the metadata columns to each row. Rows are inserted in
// multi-row batches. The bronze schema is pinned from the first file's header;
// later files may add columns, which are unioned by name as nullable VARCHAR.
// Returns the number of rows inserted.
//
// The (data_date, exchange) slice is cleared first, inside the same
// transaction: there is exactly one source file per (exchange, date), so a
// load is always a full replacement of its slice. A retry after an interrupted
// earlier attempt therefore never double-counts.
//
// Any error leaves tx un-committed; the caller rolls back, so the load is
// all-or-nothing.
func (s *Store) BulkLoad(ctx context.Context, tx *Tx, src RecordSource, meta LoadMeta) (int64, error) {
	table := BronzeTable(meta.Exchange)
	columns := dedupeColumns(src.Columns())
	dataDate := meta.DataDate.Format("2006-01-02")

	if err := s.ensureBronzeTable(ctx, tx, meta.Exchange, columns); err != nil {
		return 0, err
	}
	if _, err := tx.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE data_date = ? AND exchange = ?`, table),
		dataDate, meta.Exchange,
	); err != nil {
		return 0, fmt.Errorf("clear bronze slice: %w", err)
	}

	stmt, err := tx.tx.PrepareContext(ctx, buildInsertSQL(table, columns, insertBatchRows))
	if err != nil {
		return 0, fmt.Errorf("prepare bronze insert: %w", err)
	}
	defer stmt.Close()

	width := len(columns) + 4
	args := make([]any, 0, width*insertBatchRows)
	buffered := 0

	var n int64
	for {
		row, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: row %d: %v", ErrMalformed, src.Line(), err)
		}
		if len(row) > len(columns) {
			return 0, fmt.Errorf("%w: row %d has %d fields, header has %d",
				ErrMalformed, src.Line(), len(row), len(columns))
		}

		for i := range columns {
			if i < len(row) {
				args = append(args, row[i])
			} else {
				// Short rows widen to NULL, same as absent columns.
				args = append(args, nil)
			}
		}
		args = append(args, dataDate, meta.Exchange, meta.SourceFile, meta.IngestionTime)
		buffered++

		if buffered == insertBatchRows {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return 0, fmt.Errorf("%w: rows through %d: %v", ErrMalformed, src.Line(), err)
			}
			n += int64(buffered)
			args = args[:0]
			buffered = 0
		}
	}

	if buffered > 0 {
		if _, err := tx.tx.ExecContext(ctx, buildInsertSQL(table, columns, buffered), args...); err != nil {
			return 0, fmt.Errorf("%w: rows through %d: %v", ErrMalformed, src.Line(), err)
		}
		n += int64(buffered)
	}
	return n, nil
}

// CountRows counts bronze rows for one completed load. Restricted to
// (exchange, data_date, source_file) so it stays an index-friendly slice scan.
func (s *Store) CountRows(ctx context.Context, exchange string, date time.Time, sourceFile string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE data_date = ? AND exchange = ? AND source_file = ?`,
			BronzeTable(exchange)),
		date.Format("2006-01-02"), exchange, sourceFile,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bronze rows: %w", err)
	}
	return n, nil
}

// ensureBronzeTable creates the bronze table from the discovered header on
// first load, or unions new columns by name on later loads. Runs inside the
// load transaction so a failed load never leaves a half-evolved schema.
func (s *Store) ensureBronzeTable(ctx context.Context, tx *Tx, exchange string, columns []string) error {
	tableName := strings.ToLower(exchange) + "_market_data_raw"

	rows, err := tx.tx.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'bronze' AND table_name = ?`, tableName)
	if err != nil {
		return fmt.Errorf("inspect bronze schema: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect bronze schema: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("inspect bronze schema: %w", err)
	}
	rows.Close()

	if len(existing) == 0 {
		var b strings.Builder
		b.WriteString("CREATE TABLE bronze.")
		b.WriteString(tableName)
		b.WriteString(" (")
		for _, col := range columns {
			b.WriteString(quoteIdent(col))
			b.WriteString(" VARCHAR, ")
		}
		b.WriteString("data_date DATE, exchange VARCHAR, source_file VARCHAR, ingestion_timestamp TIMESTAMP)")
		if _, err := tx.tx.ExecContext(ctx, b.String()); err != nil {
			return fmt.Errorf("create bronze table %s: %w", tableName, err)
		}
		return nil
	}

	// Union-by-name: new source columns become nullable VARCHAR; rows loaded
	// before the column appeared read back as NULL.
	for _, col := range columns {
		if existing[col] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE bronze.%s ADD COLUMN %s VARCHAR", tableName, quoteIdent(col))
		if _, err := tx.tx.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("add bronze column %s: %w", col, err)
		}
	}
	return nil
}

func buildInsertSQL(table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for _, col := range columns {
		b.WriteString(quoteIdent(col))
		b.WriteString(", ")
	}
	b.WriteString("data_date, exchange, source_file, ingestion_timestamp) VALUES ")

	tuple := "(" + strings.Repeat("?, ", len(columns)) + "?, ?, ?, ?)"
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	return b.String()
}

// metadata column names are reserved for the loader.
var reservedColumns = map[string]bool{
	"data_date":           true,
	"exchange":            true,
	"source_file":         true,
	"ingestion_timestamp": true,
}

// dedupeColumns makes header names usable as column identifiers: duplicates
// and clashes with the metadata columns get a numeric suffix.
func dedupeColumns(header []string) []string {
	seen := map[string]bool{}
	out := make([]string, len(header))
	for i, name := range header {
		if name == "" {
			name = fmt.Sprintf("column%d", i)
		}
		candidate := name
		for n := 2; seen[candidate] || reservedColumns[candidate]; n++ {
			candidate = fmt.Sprintf("%s_%d", name, n)
		}
		seen[candidate] = true
		out[i] = candidate
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
