package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/polychain/internal/domain"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, domain.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, domain.ErrAlreadyExists},
		{"other", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr("op", tt.err)
			assert.Error(t, got)
			if tt.want != nil {
				assert.ErrorIs(t, got, tt.want)
			}
		})
	}
	assert.NoError(t, mapErr("op", nil))
}

func TestPaginate(t *testing.T) {
	tests := []struct {
		name      string
		args      []any
		opts      domain.ListOpts
		wantQuery string
		wantArgs  int
	}{
		{"none", nil, domain.ListOpts{}, "Q", 0},
		{"limit", nil, domain.ListOpts{Limit: 5}, "Q LIMIT $1", 1},
		{"limit and offset after filter", []any{"x"}, domain.ListOpts{Limit: 5, Offset: 10}, "Q LIMIT $2 OFFSET $3", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := paginate("Q", tt.args, tt.opts)
			assert.Equal(t, tt.wantQuery, q)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/ledger?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "ledger", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestAuditSubject(t *testing.T) {
	tests := []struct {
		name   string
		detail map[string]any
		want   string
	}{
		{"wallet wins", map[string]any{"chain_id": "c1", "wallet": "0xabc"}, "0xabc"},
		{"chain", map[string]any{"chain_id": "c1", "route": "executor"}, "c1"},
		{"route", map[string]any{"route": "fanout"}, "fanout"},
		{"empty wallet skipped", map[string]any{"wallet": "", "condition_id": "0xcond"}, "0xcond"},
		{"none", map[string]any{"attempts": 3}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := auditSubject(tt.detail)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			if assert.NotNil(t, got) {
				assert.Equal(t, tt.want, *got)
			}
		})
	}
}
