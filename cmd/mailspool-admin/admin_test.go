package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailspool/config"
	"github.com/migadu/mailspool/server/adminapi"
	"github.com/migadu/mailspool/spool"
)

func TestNewAPIClientAddsScheme(t *testing.T) {
	c := newAPIClient(config.AdminCLIConfig{Addr: "127.0.0.1:8025/"})
	assert.Equal(t, "http://127.0.0.1:8025", c.addr)

	c = newAPIClient(config.AdminCLIConfig{Addr: "https://spool.example.com"})
	assert.Equal(t, "https://spool.example.com", c.addr)
}

func TestAPIClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"Invalid API key"}`))
			return
		}
		switch r.URL.Path {
		case "/api/v1/spool":
			assert.Equal(t, "error", r.URL.Query().Get("state"))
			w.Write([]byte(`{"items":[{"key":"k1","state":"error","recipients":["a@x"]}],"count":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("plain failure"))
		}
	}))
	defer srv.Close()

	c := newAPIClient(config.AdminCLIConfig{Addr: srv.URL, APIKey: "k"})
	var list adminapi.ListResponse
	require.NoError(t, c.call(context.Background(), "GET", "/api/v1/spool", url.Values{"state": {"error"}}, nil, "", &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "k1", list.Items[0].Key)

	err := c.call(context.Background(), "GET", "/nope", nil, nil, "", nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "plain failure", apiErr.Message)

	c.apiKey = "wrong"
	err = c.call(context.Background(), "GET", "/api/v1/spool", nil, nil, "", nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Invalid API key", apiErr.Message)
}

func TestPostgresConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()

	_, err := postgresConfig(cfg, "")
	assert.Error(t, err, "default spool backend is disk")

	cfg.Spool.Backend = config.BackendPostgres
	cfg.Spool.Postgres.Name = "spooldb"
	pg, err := postgresConfig(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "spooldb", pg.Name)

	cfg.Repositories = []config.RepositoryConfig{
		{Name: "archive", StorageConfig: config.StorageConfig{Backend: config.BackendPostgres, Postgres: config.PostgresConfig{Name: "archivedb"}}},
		{Name: "files", StorageConfig: config.StorageConfig{Backend: config.BackendDisk}},
	}
	pg, err = postgresConfig(cfg, "archive")
	require.NoError(t, err)
	assert.Equal(t, "archivedb", pg.Name)

	_, err = postgresConfig(cfg, "files")
	assert.Error(t, err)
	_, err = postgresConfig(cfg, "missing")
	assert.Error(t, err)
}

func TestPrintSummaries(t *testing.T) {
	var buf bytes.Buffer
	printSummaries(&buf, nil)
	assert.Equal(t, "No items found.\n", buf.String())

	buf.Reset()
	printSummaries(&buf, []spool.Summary{
		{Key: "k1", State: "error", Sender: "<>", Recipients: []string{"a@x", "b@x"}, ErrorMessage: strings.Repeat("x", 100)},
	})
	out := buf.String()
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "k1")
	assert.Contains(t, out, strings.Repeat("x", 60))
	assert.NotContains(t, out, strings.Repeat("x", 61))
	assert.Contains(t, out, "1 item(s)")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, adminapi.StatsResponse{
		Keys:         3,
		Locked:       1,
		ByState:      map[string]int{"root": 2, "error": 1},
		Repositories: []string{"archive"},
	})
	out := buf.String()
	assert.Contains(t, out, "Items:  3")
	assert.Contains(t, out, "Locked: 1")
	assert.Less(t, strings.Index(out, "error"), strings.Index(out, "root"), "states are sorted")
	assert.Contains(t, out, "Repositories: archive")
}
