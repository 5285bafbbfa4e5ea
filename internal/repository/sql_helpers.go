package repository

import (
	"context"
	"database/sql"
)

// sqlExecutor 抽象 *sql.DB / *sql.Tx 公共子集，便于单测注入。
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSingleRow(ctx context.Context, exec sqlExecutor, query string, args []any, dest ...any) error {
	return exec.QueryRowContext(ctx, query, args...).Scan(dest...)
}
