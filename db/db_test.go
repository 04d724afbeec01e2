package db

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allgood/pigeonhole/config"
	"github.com/allgood/pigeonhole/consts"
)

func TestConnString(t *testing.T) {
	tests := []struct {
		name     string
		endpoint config.DatabaseEndpointConfig
		want     string
		wantErr  bool
	}{
		{
			name:     "default port",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1"}, User: "sieve", Password: "pw", Name: "sieve"},
			want:     "postgres://sieve:pw@db1:5432/sieve?sslmode=disable",
		},
		{
			name:     "explicit port and tls",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1"}, Port: 6432, User: "u", Name: "n", TLSMode: true},
			want:     "postgres://u:@db1:6432/n?sslmode=require",
		},
		{
			name:     "host carries port",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db1:7000"}, Port: 6432, User: "u", Name: "n"},
			want:     "postgres://u:@db1:7000/n?sslmode=disable",
		},
		{
			name:     "ipv6 host",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"::1"}, User: "u", Name: "n"},
			want:     "postgres://u:@[::1]:5432/n?sslmode=disable",
		},
		{
			name:     "password is escaped",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db"}, User: "u", Password: "p@ss/word", Name: "n"},
			want:     "postgres://u:p%40ss%2Fword@db:5432/n?sslmode=disable",
		},
		{
			name:     "no hosts",
			endpoint: config.DatabaseEndpointConfig{},
			wantErr:  true,
		},
		{
			name:     "bad port",
			endpoint: config.DatabaseEndpointConfig{Hosts: []string{"db"}, Port: 70000},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := connString(&tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedacted(t *testing.T) {
	got := redacted("postgres://sieve:secret@db:5432/sieve?sslmode=disable")
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "sieve:xxxxx@db:5432")
}

func TestClassify(t *testing.T) {
	dup := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "sieve_scripts_account_id_name_key"}
	err := classify(dup)
	assert.True(t, errors.Is(err, consts.ErrDBUniqueViolation))
	assert.Contains(t, err.Error(), "sieve_scripts_account_id_name_key")

	assert.Contains(t, classify(&pgconn.PgError{Code: pgerrcode.UndefinedTable}).Error(), "schema not migrated")

	plain := errors.New("boom")
	assert.Same(t, plain, classify(plain))
	assert.NoError(t, classify(nil))
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows), consts.ErrDBNotFound)
	other := errors.New("x")
	assert.Equal(t, other, notFound(other))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(MigrationsFS, "migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init.up.sql")
	assert.Contains(t, names, "000001_init.down.sql")

	up, err := fs.ReadFile(MigrationsFS, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"sieve_scripts", "vacation_responses"} {
		assert.True(t, strings.Contains(string(up), "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}

func TestMigrationStatusString(t *testing.T) {
	assert.Equal(t, "none", MigrationStatus{None: true}.String())
	assert.Equal(t, "3", MigrationStatus{Version: 3}.String())
	assert.Equal(t, "3 (dirty)", MigrationStatus{Version: 3, Dirty: true}.String())
}
