// Package source computes report metrics, either by running the report's
// query against the report database or by asking the remote authority.
package source

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ErrQueryRejected is returned for report queries that are not a single
// read-only SELECT.
var ErrQueryRejected = errors.New("report query rejected")

// CheckedQuery is a report query that passed validation.
type CheckedQuery struct {
	SQL         string
	Fingerprint uint64
}

// CheckQuery parses sql and accepts exactly one plain SELECT statement.
// SELECT ... INTO and row-locking clauses are rejected.
func CheckQuery(sql string) (*CheckedQuery, error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	if sql == "" {
		return nil, fmt.Errorf("%w: empty query", ErrQueryRejected)
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryRejected, err)
	}
	if len(result.Stmts) != 1 || result.Stmts[0].Stmt == nil {
		return nil, fmt.Errorf("%w: expected exactly one statement, got %d", ErrQueryRejected, len(result.Stmts))
	}

	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return nil, fmt.Errorf("%w: only SELECT statements are allowed", ErrQueryRejected)
	}
	if sel.IntoClause != nil {
		return nil, fmt.Errorf("%w: SELECT INTO is not allowed", ErrQueryRejected)
	}
	if len(sel.LockingClause) > 0 {
		return nil, fmt.Errorf("%w: row locking is not allowed", ErrQueryRejected)
	}

	return &CheckedQuery{SQL: sql, Fingerprint: fingerprint(sql)}, nil
}

// fingerprint hashes the normalized query so log lines for the same report
// shape correlate regardless of literal values.
func fingerprint(sql string) uint64 {
	normalized, err := pg_query.Normalize(sql)
	if err != nil {
		normalized = sql
	}
	return pg_query.HashXXH3_64([]byte(normalized), 0)
}

// capped wraps a checked query so it returns at most limit rows.
func capped(q *CheckedQuery, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS capped LIMIT %d", q.SQL, limit)
}
