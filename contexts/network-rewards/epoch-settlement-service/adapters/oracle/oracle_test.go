package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	domainerrors "settlement/contexts/network-rewards/epoch-settlement-service/domain/errors"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
)

type stubReader struct {
	mu       sync.Mutex
	calls    int
	failures int
	entries  map[string]entities.NodeEntry
}

func (r *stubReader) NodeEntry(_ context.Context, assetID string) (entities.NodeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return entities.NodeEntry{}, errors.New("rpc unavailable")
	}
	return r.entries[assetID], nil
}

func newTestOracle(t *testing.T, reader *stubReader, initFailures int) (*Oracle, *int) {
	t.Helper()
	inits := 0
	oracle, err := New(Config{Enabled: true, MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) (ports.NodeEntryReader, error) {
		inits++
		if inits <= initFailures {
			return nil, errors.New("program not found")
		}
		return reader, nil
	}, nil)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return oracle, &inits
}

func TestEligibilityRequiresExactDeposit(t *testing.T) {
	reader := &stubReader{entries: map[string]entities.NodeEntry{
		"asset-ok":    {Exists: true, DepositAmount: 5_000_000},
		"asset-short": {Exists: true, DepositAmount: 4_999_999},
	}}
	oracle, _ := newTestOracle(t, reader, 0)
	ctx := context.Background()

	cases := []struct {
		node     entities.Node
		channel  entities.Channel
		eligible bool
	}{
		{entities.Node{ID: 1, SolanaAssetID: "asset-ok"}, entities.ChannelWubi, true},
		{entities.Node{ID: 2, SolanaAssetID: "asset-short"}, entities.ChannelWubi, false},
		{entities.Node{ID: 3, SolanaAssetID: "asset-missing"}, entities.ChannelWubi, false},
		{entities.Node{ID: 2, SolanaAssetID: "asset-short"}, entities.ChannelWupi, false},
		{entities.Node{ID: 3, SolanaAssetID: "asset-missing"}, entities.ChannelWupi, false},
	}
	for _, tc := range cases {
		got, err := oracle.Eligibility(ctx, tc.node, tc.channel)
		if err != nil {
			t.Fatalf("eligibility %s/%s: %v", tc.node.SolanaAssetID, tc.channel, err)
		}
		if got.Eligible != tc.eligible {
			t.Fatalf("eligibility %s/%s: expected %v, got %+v", tc.node.SolanaAssetID, tc.channel, tc.eligible, got)
		}
	}
}

func TestEligibilityCachesEntries(t *testing.T) {
	reader := &stubReader{entries: map[string]entities.NodeEntry{"asset-1": {Exists: true, DepositAmount: 5_000_000}}}
	oracle, _ := newTestOracle(t, reader, 0)
	node := entities.Node{ID: 1, SolanaAssetID: "asset-1"}
	for i := 0; i < 3; i++ {
		if _, err := oracle.Eligibility(context.Background(), node, entities.ChannelWubi); err != nil {
			t.Fatalf("eligibility: %v", err)
		}
	}
	if reader.calls != 1 {
		t.Fatalf("expected one lookup, got %d", reader.calls)
	}
}

func TestEligibilityRetriesTransientLookupFailures(t *testing.T) {
	reader := &stubReader{failures: 2, entries: map[string]entities.NodeEntry{"asset-1": {Exists: true, DepositAmount: 5_000_000}}}
	oracle, _ := newTestOracle(t, reader, 0)
	got, err := oracle.Eligibility(context.Background(), entities.Node{SolanaAssetID: "asset-1"}, entities.ChannelWubi)
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if !got.Eligible || reader.calls != 3 {
		t.Fatalf("expected eligible after 3 calls, got %+v after %d", got, reader.calls)
	}

	reader = &stubReader{failures: 10}
	oracle, _ = newTestOracle(t, reader, 0)
	_, err = oracle.Eligibility(context.Background(), entities.Node{SolanaAssetID: "asset-1"}, entities.ChannelWubi)
	if !errors.Is(err, domainerrors.ErrOracleUnavailable) {
		t.Fatalf("expected oracle unavailable, got %v", err)
	}
	if reader.calls != 3 {
		t.Fatalf("expected attempts to stop at 3, got %d", reader.calls)
	}
}

func TestInitializationRetriedAfterFailure(t *testing.T) {
	reader := &stubReader{entries: map[string]entities.NodeEntry{"asset-1": {Exists: true, DepositAmount: 5_000_000}}}
	oracle, inits := newTestOracle(t, reader, 1)
	node := entities.Node{SolanaAssetID: "asset-1"}

	if _, err := oracle.Eligibility(context.Background(), node, entities.ChannelWubi); !errors.Is(err, domainerrors.ErrOracleUnavailable) {
		t.Fatalf("expected first call to fail initialization, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := oracle.Eligibility(context.Background(), node, entities.ChannelWubi); err != nil {
				t.Errorf("eligibility: %v", err)
			}
		}()
	}
	wg.Wait()
	if *inits != 2 {
		t.Fatalf("expected exactly two initialization attempts, got %d", *inits)
	}
}

func TestDisabledOracleIsAlwaysEligible(t *testing.T) {
	oracle, err := New(Config{Enabled: false}, nil, nil)
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	got, err := oracle.Eligibility(context.Background(), entities.Node{}, entities.ChannelWubi)
	if err != nil || !got.Eligible {
		t.Fatalf("expected eligible, got %+v %v", got, err)
	}
	multiplier, err := oracle.Multiplier(context.Background(), entities.Node{Model: "Genesis", Boosted: true})
	if err != nil {
		t.Fatalf("multiplier: %v", err)
	}
	if multiplier.String() != "4.5" {
		t.Fatalf("expected 4.5, got %s", multiplier)
	}
}

func TestClientNodeEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/nfnode-entries/asset-1":
			_, _ = w.Write([]byte(`{"exists": true, "deposit_amount": 5000000}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL+"/", "secret")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	entry, err := client.NodeEntry(context.Background(), "asset-1")
	if err != nil {
		t.Fatalf("node entry: %v", err)
	}
	if !entry.Exists || entry.DepositAmount != 5_000_000 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	missing, err := client.NodeEntry(context.Background(), "asset-2")
	if err != nil || missing.Exists {
		t.Fatalf("expected missing entry, got %+v %v", missing, err)
	}
}
