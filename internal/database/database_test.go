package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type fakeExec struct {
	stmts []string
	err   error
}

func (f *fakeExec) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.err
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeExec{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.stmts) != len(schema) {
		t.Errorf("executed %d statements, want %d", len(db.stmts), len(schema))
	}
	if !strings.Contains(db.stmts[0], "stream_messages") {
		t.Errorf("first statement = %q, want stream_messages table", db.stmts[0])
	}

	failing := &fakeExec{err: errors.New("permission denied")}
	if err := EnsureSchema(context.Background(), failing); err == nil {
		t.Error("EnsureSchema should fail when Exec fails")
	}
	if len(failing.stmts) != 1 {
		t.Errorf("should stop after first failure, ran %d", len(failing.stmts))
	}
}

type fakePinger struct {
	err      error
	deadline bool
}

func (f *fakePinger) Ping(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	return f.err
}

func TestCheck(t *testing.T) {
	if err := Check(context.Background(), nil, time.Second); err != nil {
		t.Errorf("Check(nil) = %v, want nil", err)
	}

	ok := &fakePinger{}
	if err := Check(context.Background(), ok, time.Second); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
	if !ok.deadline {
		t.Error("Check should apply a deadline")
	}

	down := &fakePinger{err: errors.New("connection refused")}
	if err := Check(context.Background(), down, time.Second); err == nil {
		t.Error("Check() = nil, want error")
	}
}
