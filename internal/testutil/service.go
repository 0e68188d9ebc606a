package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/pguigue/mergin/internal/mergin"
	"github.com/pguigue/mergin/internal/staging"
	"github.com/pguigue/mergin/internal/store"
)

// StubSummarizer returns canned per-table summaries. When Err is set every
// Summarize call fails with it instead.
type StubSummarizer struct {
	Ext     string // file extension to claim support for, e.g. ".gpkg"
	Summary []mergin.TableSummary
	Err     error
	Calls   int
}

func (s *StubSummarizer) Supports(path string) bool {
	return s.Ext != "" && len(path) >= len(s.Ext) && path[len(path)-len(s.Ext):] == s.Ext
}

func (s *StubSummarizer) Summarize(path string, old, new io.Reader) ([]mergin.TableSummary, error) {
	s.Calls++
	io.Copy(io.Discard, old)
	io.Copy(io.Discard, new)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Summary, nil
}

// ServiceOptions tweak the test service construction.
type ServiceOptions struct {
	Summarizer mergin.Summarizer
	QuotaBytes int64
	TxTTL      time.Duration
}

// TestService bundles a fully wired in-memory service with the fakes the
// test may want to poke at.
type TestService struct {
	Service *mergin.Service
	DB      mergin.Database
	Store   *store.MemoryStore
	Staging *staging.MemoryStaging
	Clock   *StubClock
	IDs     *StubIDGenerator
}

// NewTestService creates a service on in-memory backends with a stub clock
// and sequential ids.
func NewTestService(t *testing.T, opts ServiceOptions) *TestService {
	t.Helper()

	db := NewTestDatabase(t)
	st := store.NewMemoryStore()
	sa := staging.NewMemoryStaging()
	clock := FixedClock()
	ids := NewStubIDGenerator()

	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = &StubSummarizer{}
	}
	ttl := opts.TxTTL
	if ttl == 0 {
		ttl = mergin.DefaultTransactionTTL
	}

	svc := mergin.NewService(
		db, st, sa,
		summarizer,
		mergin.FixedQuota{Bytes: opts.QuotaBytes},
		mergin.NewNopLogger(),
		clock,
		ids,
		ttl,
	)

	return &TestService{
		Service: svc,
		DB:      db,
		Store:   st,
		Staging: sa,
		Clock:   clock,
		IDs:     ids,
	}
}
