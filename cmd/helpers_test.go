//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/config"
	"github.com/sells-group/invoice-cli/internal/monitoring"
	"github.com/sells-group/invoice-cli/internal/providers"
	"github.com/sells-group/invoice-cli/internal/store"
	"github.com/sells-group/invoice-cli/pkg/docai"
	"github.com/sells-group/invoice-cli/pkg/salesforce"
)

// testConfig returns a config with fast retries and a retry queue whose
// tasks never become due during a test.
func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite"},
		Queue: config.QueueConfig{
			MaxAttempts:   3,
			MaxAgeHours:   1,
			BaseDelaySecs: 600,
			MaxDelaySecs:  600,
			BatchSize:     10,
			LeaseSecs:     60,
		},
		Pipeline: config.PipelineConfig{
			Workers:          1,
			AcquireTimeoutMs: 100,
			Retry:            config.RetryConfig{MaxAttempts: 1, BaseDelayMs: 1, MaxDelayMs: 1},
		},
		Server: config.ServerConfig{Port: 8080},
	}
}

// newTestEnv wires a pipeline over a temporary SQLite database.
func newTestEnv(t *testing.T, c *config.Config, clients providers.Clients) *pipelineEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "invoice.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	env, err := newPipelineEnv(ctx, c, st, clients)
	require.NoError(t, err)
	t.Cleanup(func() {
		env.Pipeline.Wait()
		env.Close()
	})
	return env
}

// newDocAIServer answers every extraction with a valid ACME invoice.
func newDocAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(docai.ExtractResponse{
			ID: "ext-1",
			Fields: docai.Fields{
				Vendor:        "ACME Corp",
				InvoiceNumber: "INV-1001",
				Total:         1250,
				Currency:      "usd",
				Date:          "2026-02-27",
			},
			Text: "ACME Corp Invoice INV-1001 PO # 4500012345 Due Date: 2026-03-29 Terms: Net 30 Total 1250.00 USD",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newWebhookServer accepts notification events and counts them.
func newWebhookServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := new(atomic.Int32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

// memSalesforce keeps invoice records in memory, keyed by idempotency key.
type memSalesforce struct {
	mu      sync.Mutex
	records map[string]salesforce.InvoiceRecord
}

func newMemSalesforce() *memSalesforce {
	return &memSalesforce{records: make(map[string]salesforce.InvoiceRecord)}
}

func (m *memSalesforce) Query(_ context.Context, soql string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := out.(*[]salesforce.InvoiceRecord)
	for key, rec := range m.records {
		if strings.Contains(soql, "'"+key+"'") {
			*recs = append(*recs, rec)
		}
	}
	return nil
}

func (m *memSalesforce) InsertOne(_ context.Context, _ string, record map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := record[salesforce.IdempotencyField].(string)
	id := "a0B000000000001"
	m.records[key] = salesforce.InvoiceRecord{ID: id, IdempotencyKey: key}
	return id, nil
}

// workingClients returns clients that complete every stage: docai
// extraction, local analysis, salesforce storage and webhook notification.
func workingClients(t *testing.T, c *config.Config) (providers.Clients, *atomic.Int32) {
	t.Helper()
	hook, calls := newWebhookServer(t)
	c.Webhook.URL = hook.URL
	return providers.Clients{
		DocAI:      docai.NewClient("key", docai.WithBaseURL(newDocAIServer(t).URL)),
		Salesforce: newMemSalesforce(),
		Webhook:    monitoring.NewWebhook(time.Second),
	}, calls
}
