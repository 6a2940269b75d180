package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailspool/logger"
)

type queryStartKey struct{}

// queryTracer logs every statement at debug level when log_queries is set.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{sql: data.SQL, at: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("Postgres: query failed", "sql", start.sql, "duration", time.Since(start.at), "error", data.Err)
		return
	}
	logger.Debug("Postgres: query", "sql", start.sql, "duration", time.Since(start.at), "tag", data.CommandTag.String())
}

type queryStart struct {
	sql string
	at  time.Time
}
