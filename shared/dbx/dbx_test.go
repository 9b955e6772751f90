package dbx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"kaapeh-copiloto/shared/config"
)

func TestNewPoolRequiresURL(t *testing.T) {
	_, err := NewPool(config.Defaults("test", 8000))
	if err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestPingNilPool(t *testing.T) {
	if err := Ping(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func TestSchemaCoversTables(t *testing.T) {
	schema := Schema()
	for _, table := range []string{
		"users", "accessibility_configs", "diagnosis_records", "action_items",
		"aggregated_metrics", "outbox_events", "audit_logs",
	} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema missing table %s", table)
		}
	}
}

type failingStarter struct{}

func (failingStarter) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("connection refused")
}

func TestWithTxBeginError(t *testing.T) {
	called := false
	err := WithTx(context.Background(), failingStarter{}, func(pgx.Tx) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected begin error without calling fn, err=%v called=%v", err, called)
	}
}
