package sqlquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/MrWong99/agentengine/internal/observe"
)

// DefaultSchema is the PostgreSQL schema introspected when none is given.
const DefaultSchema = "public"

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Postgres is a [Querier] backed by PostgreSQL.
type Postgres struct {
	db      DB
	log     *slog.Logger
	metrics *observe.Metrics
}

var _ Querier = (*Postgres)(nil)

// PostgresOption is a functional option for [NewPostgres].
type PostgresOption func(*Postgres)

// WithLogger sets the diagnostics sink.
func WithLogger(l *slog.Logger) PostgresOption {
	return func(p *Postgres) { p.log = l }
}

// WithMetrics records statement latency.
func WithMetrics(m *observe.Metrics) PostgresOption {
	return func(p *Postgres) { p.metrics = m }
}

// NewPostgres creates a Postgres querier over db.
func NewPostgres(db DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, log: slog.Default(), metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Query runs sql in a read-only transaction that is always rolled back, and
// returns every row with values normalised by [normalise]. Statements that
// write are rejected by the server.
func (p *Postgres) Query(ctx context.Context, sql string) (out []Row, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordQueryDuration(ctx, status, time.Since(start).Seconds())
	}()

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("sqlquery: begin read-only transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			p.log.Warn("rollback failed", "err", rerr)
		}
	}()

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("sqlquery: query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("sqlquery: read row: %w", err)
		}
		row := make(Row, len(vals))
		for i, v := range vals {
			name := fmt.Sprintf("column%d", i+1)
			var oid uint32
			if i < len(fields) {
				name, oid = fields[i].Name, fields[i].DataTypeOID
			}
			row[name] = normalise(v, oid)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlquery: iterate rows: %w", err)
	}
	p.log.Debug("statement executed", "rows", len(out))
	return out, nil
}

// normalise converts driver values into JSON-friendly ones.
func normalise(v any, oid uint32) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		if oid == pgtype.DateOID {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339)
	default:
		return v
	}
}

const columnsSQL = `
SELECT c.table_name,
       c.column_name,
       c.data_type,
       c.is_nullable,
       COALESCE(c.column_default, ''),
       COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position::int), '')
FROM information_schema.columns c
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`

const foreignKeysSQL = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1`

// Schema introspects every table in schemaName (default [DefaultSchema]).
// descriptions maps bare table names to human descriptions for the prompt.
func (p *Postgres) Schema(ctx context.Context, schemaName string, descriptions map[string]string) (Schema, error) {
	if schemaName == "" {
		schemaName = DefaultSchema
	}

	fks := make(map[[2]string][]string)
	rows, err := p.db.Query(ctx, foreignKeysSQL, schemaName)
	if err != nil {
		return nil, fmt.Errorf("sqlquery: foreign keys: %w", err)
	}
	for rows.Next() {
		var table, column, refTable, refColumn string
		if err := rows.Scan(&table, &column, &refTable, &refColumn); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlquery: scan foreign key: %w", err)
		}
		key := [2]string{table, column}
		fks[key] = append(fks[key], fmt.Sprintf("Foreign key to %s.%s", refTable, refColumn))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlquery: foreign keys: %w", err)
	}

	rows, err = p.db.Query(ctx, columnsSQL, schemaName)
	if err != nil {
		return nil, fmt.Errorf("sqlquery: columns: %w", err)
	}
	defer rows.Close()

	out := make(Schema)
	for rows.Next() {
		var table, column, dataType, nullable, def, comment string
		if err := rows.Scan(&table, &column, &dataType, &nullable, &def, &comment); err != nil {
			return nil, fmt.Errorf("sqlquery: scan column: %w", err)
		}
		col := Column{Type: dataType, Comment: comment}
		col.Constraints = append(col.Constraints, fks[[2]string{table, column}]...)
		if strings.EqualFold(nullable, "NO") {
			col.Constraints = append(col.Constraints, "Not nullable")
		}
		if def != "" {
			col.Constraints = append(col.Constraints, "Default value: "+def)
		}

		label := TableLabel(table, descriptions[table])
		if out[label] == nil {
			out[label] = make(map[string]Column)
		}
		out[label][column] = col
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlquery: columns: %w", err)
	}
	return out, nil
}

// TableLabel is the key a table is listed under in a [Schema].
func TableLabel(table, description string) string {
	if description == "" {
		return table
	}
	return table + " (description: " + description + ")"
}
