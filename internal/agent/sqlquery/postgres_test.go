package sqlquery

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/agentengine/internal/observe"
)

func newPostgres(t *testing.T, db DB) *Postgres {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return NewPostgres(db, WithLogger(discard), WithMetrics(m))
}

func TestPostgres_QueryNormalisesValues(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	stamp := time.Date(2024, 6, 1, 13, 30, 0, 0, time.UTC)
	id := [16]byte{0x55, 0x0e, 0x84, 0x00, 0xe2, 0x9b, 0x41, 0xd4, 0xa7, 0x16, 0x44, 0x66, 0x55, 0x44, 0x00, 0x00}

	rows := &mockRows{
		fields: []pgconn.FieldDescription{
			{Name: "price", DataTypeOID: pgtype.NumericOID},
			{Name: "blob", DataTypeOID: pgtype.ByteaOID},
			{Name: "day", DataTypeOID: pgtype.DateOID},
			{Name: "seen", DataTypeOID: pgtype.TimestamptzOID},
			{Name: "id", DataTypeOID: pgtype.UUIDOID},
			{Name: "n", DataTypeOID: pgtype.Int8OID},
			{Name: "missing", DataTypeOID: pgtype.NumericOID},
		},
		data: [][]any{{
			pgtype.Numeric{Int: big.NewInt(1250), Exp: -2, Valid: true},
			[]byte("raw"),
			day,
			stamp,
			id,
			int64(7),
			pgtype.Numeric{},
		}},
	}
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) { return rows, nil }}

	got, err := newPostgres(t, db).Query(context.Background(), "SELECT *")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d", len(got))
	}
	want := Row{
		"price":   12.5,
		"blob":    "raw",
		"day":     "2024-06-01",
		"seen":    "2024-06-01T13:30:00Z",
		"id":      "550e8400-e29b-41d4-a716-446655440000",
		"n":       int64(7),
		"missing": nil,
	}
	for k, v := range want {
		if got[0][k] != v {
			t.Errorf("%s = %#v, want %#v", k, got[0][k], v)
		}
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if db.calls[0].SQL != "SELECT *" {
		t.Errorf("sql = %q", db.calls[0].SQL)
	}
}

func TestPostgres_QueryErrors(t *testing.T) {
	boom := errors.New("connection refused")
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) { return nil, boom }}
	if _, err := newPostgres(t, db).Query(context.Background(), "SELECT 1"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}

	iterErr := errors.New("broken pipe")
	db = &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: iterErr}, nil
	}}
	if _, err := newPostgres(t, db).Query(context.Background(), "SELECT 1"); !errors.Is(err, iterErr) {
		t.Errorf("err = %v", err)
	}
}

func TestPostgres_QueryRunsReadOnly(t *testing.T) {
	db := &mockDB{}
	if _, err := newPostgres(t, db).Query(context.Background(), "DELETE FROM species"); err != nil {
		t.Fatal(err)
	}
	if len(db.txOpts) != 1 || db.txOpts[0].AccessMode != pgx.ReadOnly {
		t.Fatalf("tx options = %+v, want one read-only transaction", db.txOpts)
	}
	if len(db.txQueries) != 1 || db.txQueries[0] != "DELETE FROM species" {
		t.Errorf("statements in tx = %v", db.txQueries)
	}
	if db.rollbacks != 1 || db.commits != 0 {
		t.Errorf("rollbacks = %d, commits = %d; want 1, 0", db.rollbacks, db.commits)
	}

	boom := errors.New("too many connections")
	db = &mockDB{beginErr: boom}
	if _, err := newPostgres(t, db).Query(context.Background(), "SELECT 1"); !errors.Is(err, boom) {
		t.Errorf("begin err = %v", err)
	}
	if len(db.calls) != 0 {
		t.Errorf("statement ran without a transaction: %v", db.calls)
	}
}

func TestPostgres_Schema(t *testing.T) {
	db := &mockDB{queryFunc: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "FOREIGN KEY") {
			return &mockRows{data: [][]any{{"sighting", "species_id", "species", "id"}}}, nil
		}
		return &mockRows{data: [][]any{
			{"sighting", "id", "integer", "NO", "nextval('sighting_id_seq'::regclass)", ""},
			{"sighting", "species_id", "integer", "YES", "", "observed species"},
			{"species", "id", "integer", "NO", "", ""},
			{"species", "name", "text", "NO", "", "common name"},
		}}, nil
	}}

	got, err := newPostgres(t, db).Schema(context.Background(), "", map[string]string{"species": "protected animals"})
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	for _, c := range db.calls {
		if len(c.Args) != 1 || c.Args[0] != DefaultSchema {
			t.Errorf("args = %v, want [%s]", c.Args, DefaultSchema)
		}
	}

	sighting, ok := got["sighting"]
	if !ok {
		t.Fatalf("tables = %v", got)
	}
	if c := sighting["species_id"]; c.Comment != "observed species" || len(c.Constraints) != 1 || c.Constraints[0] != "Foreign key to species.id" {
		t.Errorf("species_id = %+v", c)
	}
	if c := sighting["id"]; len(c.Constraints) != 2 || c.Constraints[0] != "Not nullable" ||
		c.Constraints[1] != "Default value: nextval('sighting_id_seq'::regclass)" {
		t.Errorf("id = %+v", c)
	}
	species, ok := got["species (description: protected animals)"]
	if !ok || species["name"].Type != "text" {
		t.Errorf("species = %+v", species)
	}
}

func TestPostgres_SchemaQueryError(t *testing.T) {
	boom := errors.New("permission denied")
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) { return nil, boom }}
	if _, err := newPostgres(t, db).Schema(context.Background(), "app", nil); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestTableLabel(t *testing.T) {
	if got := TableLabel("t", ""); got != "t" {
		t.Errorf("got %q", got)
	}
	if got := TableLabel("t", "d"); got != "t (description: d)" {
		t.Errorf("got %q", got)
	}
}
