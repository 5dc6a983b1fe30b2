package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(ctx context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { f.rolledBack = true; return nil }

type fakeBeginner struct {
	tx    *fakeTx
	calls int
	err   error
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	b.tx = &fakeTx{}
	return b.tx, nil
}

func TestWithTx_Commit(t *testing.T) {
	b := &fakeBeginner{}
	var seen pgx.Tx
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		seen = TxFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == nil {
		t.Fatal("expected tx on context inside fn")
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := WithTx(context.Background(), b, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("expected rollback only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestWithTx_Nested(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTx(context.Background(), b, func(ctx context.Context) error {
		return WithTx(ctx, b, func(ctx context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 1 {
		t.Errorf("expected nested call to reuse outer tx, Begin called %d times", b.calls)
	}
}

func TestWithTx_BeginError(t *testing.T) {
	b := &fakeBeginner{err: errors.New("no conn")}
	called := false
	err := WithTx(context.Background(), b, func(ctx context.Context) error { called = true; return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("fn must not run when Begin fails")
	}
}

func TestResolve_Fallback(t *testing.T) {
	var fallback Querier = &fakeTx{}
	if got := Resolve(context.Background(), fallback); got != fallback {
		t.Error("expected fallback querier on bare context")
	}
	tx := &fakeTx{}
	if got := Resolve(ContextWithTx(context.Background(), tx), fallback); got != tx {
		t.Error("expected tx to take precedence")
	}
}
