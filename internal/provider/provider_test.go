package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/invoice-cli/internal/model"
	"github.com/sells-group/invoice-cli/internal/resilience"
)

func stub(name string, stage model.Stage) *Func {
	return &Func{
		ProviderName: name,
		ForStage:     stage,
		Policy:       resilience.RatePolicy{Capacity: 10, Window: time.Minute},
		CallFn: func(_ context.Context, _ Request) (*Result, error) {
			return &Result{Provider: name}, nil
		},
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r)
	assert.Empty(t, r.List())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(stub("docai", model.StageExtraction))

	got := r.Get("docai")
	require.NotNil(t, got)
	assert.Equal(t, "docai", got.Name())
	assert.Nil(t, r.Get("nonexistent"))
}

func TestRegistry_ForStageAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(stub("salesforce", model.StageStorage))
	r.Register(stub("notion", model.StageStorage))
	r.Register(stub("mailer", model.StageNotification))

	assert.Equal(t, []string{"mailer", "notion", "salesforce"}, r.List())

	storage := r.ForStage(model.StageStorage)
	require.Len(t, storage, 2)
	assert.Equal(t, "notion", storage[0].Name())
	assert.Equal(t, "salesforce", storage[1].Name())

	assert.Len(t, r.Policies(), 3)
	assert.Equal(t, 10, r.Policies()["mailer"].Capacity)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(stub("docai", model.StageExtraction))
		}()
		go func() {
			defer wg.Done()
			_ = r.Get("docai")
			_ = r.List()
		}()
	}
	wg.Wait()
	assert.Len(t, r.List(), 1)
}

func TestNewRequest_UsesSnapshotAndKey(t *testing.T) {
	inv := model.NewInvoice("INV-7", model.Document{Content: []byte("pdf")}, time.Now())
	req := NewRequest(inv, model.StageStorage)

	assert.Equal(t, "INV-7:storage", req.IdempotencyKey)
	req.Invoice.Document.Content[0] = 'x'
	assert.Equal(t, "pdf", string(inv.Document.Content))
}

func TestResult_Apply(t *testing.T) {
	inv := model.NewInvoice("INV-1", model.Document{}, time.Now())
	(&Result{Extracted: &model.ExtractedInvoice{Vendor: "Acme"}}).Apply(inv)
	(&Result{ExternalRef: "a0B1"}).Apply(inv)
	(&Result{MessageID: "msg-1"}).Apply(inv)

	assert.Equal(t, "Acme", inv.Extracted.Vendor)
	assert.Equal(t, "a0B1", inv.ERPRef)
	assert.Equal(t, "msg-1", inv.NotificationID)
}

func TestFunc_ClassifyDefaults(t *testing.T) {
	f := stub("x", model.StageAnalysis)
	assert.Equal(t, resilience.Fatal, f.Classify(resilience.NewFatal(errors.New("bad"))))

	f.ClassifyFn = func(error) resilience.Class { return resilience.Retryable }
	assert.Equal(t, resilience.Retryable, f.Classify(errors.New("anything")))
}
