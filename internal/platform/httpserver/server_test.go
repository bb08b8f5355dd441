package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	epochsettlementservice "settlement/contexts/network-rewards/epoch-settlement-service"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	settlementhttp "settlement/contexts/network-rewards/epoch-settlement-service/transport/http"
	"settlement/internal/platform/metrics"
)

func newTestServer(t *testing.T) (*Server, epochsettlementservice.Module) {
	t.Helper()
	module := epochsettlementservice.NewInMemoryModule(nil, nil, nil, nil, slog.Default())
	return New(module, metrics.New(), slog.Default(), ":0"), module
}

func seedEpoch(t *testing.T, module epochsettlementservice.Module) entities.Epoch {
	t.Helper()
	epoch, _, err := module.Store.CreateOrGetEpoch(context.Background(), entities.Epoch{
		Date:     time.Date(2025, 4, 29, 0, 0, 0, 0, time.UTC),
		WubiPool: 777600000000,
		WupiPool: 172800000000,
	})
	if err != nil {
		t.Fatalf("seed epoch: %v", err)
	}
	return epoch
}

func TestGetEpochReturnsChannelState(t *testing.T) {
	server, module := newTestServer(t)
	seedEpoch(t, module)

	rr := httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/epochs/1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp settlementhttp.EpochResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Date != "2025-04-29" || resp.Wubi.Pool != "777600.000000" || resp.Wupi.Pool != "172800.000000" {
		t.Fatalf("unexpected epoch response: %+v", resp)
	}
}

func TestGetEpochErrors(t *testing.T) {
	server, _ := newTestServer(t)

	cases := []struct {
		path string
		code int
	}{
		{path: "/v1/epochs/abc", code: http.StatusBadRequest},
		{path: "/v1/epochs/42", code: http.StatusNotFound},
		{path: "/v1/epochs", code: http.StatusBadRequest},
		{path: "/v1/epochs?date=29-04-2025", code: http.StatusBadRequest},
		{path: "/v1/epochs?date=2025-04-29", code: http.StatusNotFound},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d body=%s", tc.path, tc.code, rr.Code, rr.Body.String())
		}
	}
}

func TestListRewardsRejectsUnknownChannel(t *testing.T) {
	server, module := newTestServer(t)
	seedEpoch(t, module)

	rr := httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/epochs/1/rewards?channel=solar", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/epochs/1/rewards?channel=wubi", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRequestRegenerationQueuesEpoch(t *testing.T) {
	server, module := newTestServer(t)
	seedEpoch(t, module)

	req := httptest.NewRequest(http.MethodPost, "/v1/epochs/1/regenerate", bytes.NewReader([]byte(`{"type":"both"}`)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}

	stored, err := module.Store.GetEpoch(context.Background(), 1)
	if err != nil {
		t.Fatalf("get epoch: %v", err)
	}
	if stored.RegenerateStatus != entities.RegenerateStatusPending || stored.RegenerateType != entities.RegenerateTypeBoth {
		t.Fatalf("expected pending regeneration, got %q %q", stored.RegenerateStatus, stored.RegenerateType)
	}

	bad := httptest.NewRequest(http.MethodPost, "/v1/epochs/1/regenerate", bytes.NewReader([]byte(`{"type":"all"}`)))
	rr = httptest.NewRecorder()
	server.mux.ServeHTTP(rr, bad)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rr.Code)
	}
}

func TestEmissionForFirstEpoch(t *testing.T) {
	server, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/emission/2025-04-29", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp settlementhttp.EmissionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EpochNumber != 1 || resp.Total != "1200000.000000" || resp.Wubi != "777600.000000" || resp.Wupi != "172800.000000" {
		t.Fatalf("unexpected emission: %+v", resp)
	}
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	server, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/epochs/7", nil))

	rr = httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	server.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `settlement_http_requests_total{route="get_epoch",status="404"} 1`) {
		t.Fatalf("expected instrumented epoch request in metrics output")
	}
}
