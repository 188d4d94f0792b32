package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

// Querier runs a query. *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Primary executes report queries against the report database.
type Primary struct {
	db       Querier
	rowLimit int
	timeout  time.Duration
}

// NewPrimary creates a Primary. rowLimit caps the rows read per report.
func NewPrimary(db Querier, rowLimit int, timeout time.Duration) *Primary {
	if rowLimit <= 0 {
		rowLimit = 10000
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Primary{db: db, rowLimit: rowLimit, timeout: timeout}
}

// Run validates and executes query and reduces its result to one number.
func (p *Primary) Run(ctx context.Context, query, keyField string) (float64, error) {
	checked, err := CheckQuery(query)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	rows, err := p.db.Query(ctx, capped(checked, p.rowLimit))
	if err != nil {
		return 0, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	result, err := collectRows(rows)
	if err != nil {
		return 0, err
	}

	logger.Debug("Report query executed",
		"fingerprint", fmt.Sprintf("%016x", checked.Fingerprint),
		"rows", len(result),
		"duration", time.Since(start),
	)
	return snapshots.ExtractMetric(result, keyField), nil
}

// collectRows gathers rows keyed by column name.
func collectRows(rows pgx.Rows) ([]snapshots.Row, error) {
	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}

	var out []snapshots.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := snapshots.Row{Columns: columns, Values: make(map[string]any, len(values))}
		for i, v := range values {
			row.Values[columns[i]] = plainValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// plainValue unwraps pgtype values that have no native Go numeric form.
func plainValue(v any) any {
	switch n := v.(type) {
	case pgtype.Numeric:
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case *pgtype.Numeric:
		if n == nil {
			return nil
		}
		return plainValue(*n)
	default:
		return v
	}
}
