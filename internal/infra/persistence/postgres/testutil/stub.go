// Package testutil provides a scripted stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Statement is one recorded Exec or Query.
type Statement struct {
	Query string
	Args  []any
}

// Response scripts the rows returned for queries containing Match. Once
// responses are consumed by their first match.
type Response struct {
	Match   string
	Columns []string
	Rows    [][]driver.Value
	Err     error
	Once    bool
}

// StubConn records statements and serves scripted query results.
type StubConn struct {
	mu           sync.Mutex
	Statements   []Statement
	Responses    []Response
	RowsAffected int64
	FailExec     bool
	FailBegin    bool
	FailCommit   bool
	FailPing     bool
}

var stubSeq atomic.Int64

// NewStubDB registers a uniquely named driver backed by a fresh StubConn.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{RowsAffected: 1}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Respond appends a scripted response.
func (c *StubConn) Respond(r Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = append(c.Responses, r)
}

// Queries returns the recorded statements containing substr.
func (c *StubConn) Queries(substr string) []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Statement
	for _, st := range c.Statements {
		if strings.Contains(st.Query, substr) {
			out = append(out, st)
		}
	}
	return out
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// CheckNamedValue accepts every argument as is, like the pgx driver does.
func (c *StubConn) CheckNamedValue(*driver.NamedValue) error { return nil }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.record("BEGIN", nil)
	return &stubTx{conn: c}, nil
}

func (c *StubConn) record(query string, args []driver.NamedValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.Statements = append(c.Statements, Statement{Query: query, Args: vals})
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.record(query, args)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	return driver.RowsAffected(c.RowsAffected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.record(query, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.Responses {
		if !strings.Contains(query, r.Match) {
			continue
		}
		if r.Once {
			c.Responses = append(c.Responses[:i:i], c.Responses[i+1:]...)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		cols := r.Columns
		if cols == nil && len(r.Rows) > 0 {
			cols = make([]string, len(r.Rows[0]))
			for j := range cols {
				cols[j] = fmt.Sprintf("c%d", j)
			}
		}
		return &stubRows{cols: cols, rows: r.Rows}, nil
	}
	return &stubRows{}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.record("COMMIT", nil)
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.record("ROLLBACK", nil)
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
