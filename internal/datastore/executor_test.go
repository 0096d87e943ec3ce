package datastore

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Scan(dest ...any) error                       { return errors.New("not supported") }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

type fakeConn struct {
	rows     *fakeRows
	queryErr error
	block    bool
	closed   atomic.Int32
	queries  []string
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.queries = append(c.queries, sql)
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.rows, nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed.Add(1)
	return nil
}

type fakeConnector struct {
	conn  *fakeConn
	err   error
	calls atomic.Int32
}

func (f *fakeConnector) Connect(ctx context.Context) (Conn, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func columns(names ...string) []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, 0, len(names))
	for _, n := range names {
		out = append(out, pgconn.FieldDescription{Name: n})
	}
	return out
}

func TestExecutor_RejectedQueryNeverConnects(t *testing.T) {
	connector := &fakeConnector{conn: &fakeConn{rows: &fakeRows{}}}
	var outcomes []string
	exec := NewExecutor(connector, WithObserver(func(outcome string, rows int, _ time.Duration) {
		outcomes = append(outcomes, outcome)
	}))

	for _, q := range []string{"DROP TABLE service_requests", "SELEC 1", "SELECT 1; DELETE FROM service_requests", ""} {
		res, err := exec.Query(context.Background(), q)
		assert.ErrorIs(t, err, ErrRejected, q)
		assert.Empty(t, res)
		assert.Equal(t, "[]", exec.Execute(context.Background(), q).JSON())
	}

	assert.Equal(t, int32(0), connector.calls.Load())
	assert.Equal(t, OutcomeRejected, outcomes[0])
}

func TestExecutor_PreservesRowAndColumnOrder(t *testing.T) {
	rows := &fakeRows{
		fields: columns("complaint_type", "complaint_count", "borough"),
		data: [][]any{
			{"Noise - Residential", int64(52341), "BROOKLYN"},
			{"Heat/Hot Water", int64(48792), "BRONX"},
			{"Illegal Parking", int64(32156), "QUEENS"},
		},
	}
	conn := &fakeConn{rows: rows}
	connector := &fakeConnector{conn: conn}
	exec := NewExecutor(connector)

	query := "SELECT complaint_type, COUNT(*) AS complaint_count, borough FROM service_requests GROUP BY 1, 3 ORDER BY 2 DESC"
	res, err := exec.Query(context.Background(), query)
	require.NoError(t, err)

	require.Len(t, res, 3)
	assert.Equal(t, []string{"complaint_type", "complaint_count", "borough"}, res.Columns())
	v, _ := res[0].Get("complaint_type")
	assert.Equal(t, "Noise - Residential", v)
	v, _ = res[2].Get("complaint_count")
	assert.Equal(t, int64(32156), v)

	assert.JSONEq(t, `[
		{"complaint_type":"Noise - Residential","complaint_count":52341,"borough":"BROOKLYN"},
		{"complaint_type":"Heat/Hot Water","complaint_count":48792,"borough":"BRONX"},
		{"complaint_type":"Illegal Parking","complaint_count":32156,"borough":"QUEENS"}
	]`, res.JSON())
	assert.Regexp(t, `^\[\{"complaint_type":.*"complaint_count":.*"borough":`, res.JSON())

	assert.Equal(t, []string{query}, conn.queries)
	assert.Equal(t, int32(1), connector.calls.Load())
	assert.Equal(t, int32(1), conn.closed.Load())
	assert.True(t, rows.closed)
}

func TestExecutor_ExecutionErrorsBecomeEmptyResult(t *testing.T) {
	tests := []struct {
		name      string
		connector *fakeConnector
		wantClose int32
	}{
		{
			name:      "connect failure",
			connector: &fakeConnector{err: errors.New("connection refused")},
		},
		{
			name:      "statement timeout",
			connector: &fakeConnector{conn: &fakeConn{queryErr: errors.New("canceling statement due to statement timeout")}},
			wantClose: 1,
		},
		{
			name:      "row iteration error",
			connector: &fakeConnector{conn: &fakeConn{rows: &fakeRows{fields: columns("n"), err: errors.New("broken pipe")}}},
			wantClose: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := NewExecutor(tt.connector)

			res, err := exec.Query(context.Background(), "SELECT COUNT(*) FROM service_requests")
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrRejected)
			assert.Empty(t, res)

			assert.Equal(t, "[]", exec.Execute(context.Background(), "SELECT COUNT(*) FROM service_requests").JSON())
			if tt.connector.conn != nil {
				assert.Equal(t, tt.wantClose*2, tt.connector.conn.closed.Load())
			}
		})
	}
}

func TestExecutor_TimeoutAppliesToQuery(t *testing.T) {
	conn := &fakeConn{rows: &fakeRows{}, block: true}
	exec := NewExecutor(&fakeConnector{conn: conn}, WithQueryTimeout(20*time.Millisecond))

	_, err := exec.Query(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), conn.closed.Load())
}

func TestExecutor_MaxRows(t *testing.T) {
	rows := &fakeRows{fields: columns("n"), data: [][]any{{int32(1)}, {int32(2)}, {int32(3)}}}
	exec := NewExecutor(&fakeConnector{conn: &fakeConn{rows: rows}}, WithMaxRows(2))

	res, err := exec.Query(context.Background(), "SELECT n FROM t")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"n":1},{"n":2}]`, res.JSON())
}

func TestExecutor_DuplicateColumnNames(t *testing.T) {
	rows := &fakeRows{fields: columns("count", "count"), data: [][]any{{int64(1), int64(2)}}}
	exec := NewExecutor(&fakeConnector{conn: &fakeConn{rows: rows}})

	res, err := exec.Query(context.Background(), "SELECT COUNT(*), COUNT(*) FROM service_requests")
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "count_2"}, res.Columns())
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, "2023-01-02T03:04:05Z", normalize(ts))
	assert.Equal(t, "abc", normalize([]byte("abc")))
	assert.Nil(t, normalize(nil))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", normalize([16]byte{15: 1}))

	num := pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}
	assert.InDelta(t, 12.34, normalize(num), 1e-9)
	assert.Nil(t, normalize(pgtype.Numeric{}))

	iv := pgtype.Interval{Days: 3, Microseconds: int64(4*time.Hour/time.Microsecond + 30*time.Second/time.Microsecond), Valid: true}
	assert.Equal(t, "3 days 04:00:30", normalize(iv))
	assert.Equal(t, "1 year 2 mons", formatInterval(pgtype.Interval{Months: 14, Valid: true}))
	assert.Equal(t, "00:00:00", formatInterval(pgtype.Interval{Valid: true}))
}

func TestCountRows(t *testing.T) {
	assert.Equal(t, 2, CountRows(`[{"a":1},{"a":2}]`))
	assert.Equal(t, 0, CountRows(`[]`))
	assert.Equal(t, 0, CountRows(`not json`))
}
