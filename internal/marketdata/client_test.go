package marketdata

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, APIKey: "test-key", Timeout: time.Second}, server.Client(), slog.Default())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestQuotesDegradeFailedSymbolsToPlaceholders(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/quote/AAPL"):
			w.Write([]byte(`[{"symbol":"AAPL","price":189.5,"change":1.2,"changesPercentage":0.64,"currency":"USD"}]`))
		case strings.HasPrefix(r.URL.Path, "/quote/BROKEN"):
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		default:
			w.Write([]byte(`[{"symbol":"MSFT","price":420.1,"change":-0.5,"changesPercentage":-0.12,"currency":"USD"}]`))
		}
	}))

	quotes := client.Quotes(context.Background(), []string{"AAPL", "BROKEN", "MSFT"})
	if len(quotes) != 3 {
		t.Fatalf("expected one record per symbol, got %d", len(quotes))
	}
	if quotes[0].Placeholder || !quotes[0].Price.Equal(decimal.NewFromFloat(189.5)) {
		t.Fatalf("unexpected AAPL quote: %+v", quotes[0])
	}
	if !quotes[1].Placeholder || !quotes[1].Price.IsZero() {
		t.Fatalf("expected placeholder for BROKEN, got %+v", quotes[1])
	}
	if quotes[2].Symbol != "MSFT" || quotes[2].Placeholder {
		t.Fatalf("unexpected MSFT quote: %+v", quotes[2])
	}
}

func TestQuotesPassesAPIKey(t *testing.T) {
	var gotKey string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("apikey")
		w.Write([]byte(`[{"symbol":"AAPL","price":1}]`))
	}))

	client.Quotes(context.Background(), []string{"AAPL"})
	if gotKey != "test-key" {
		t.Fatalf("expected api key on request, got %q", gotKey)
	}
}

func TestProfilesDegradeFailedSymbols(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/profile/AAPL") {
			w.Write([]byte(`[{"symbol":"AAPL","companyName":"Apple Inc.","exchange":"NASDAQ","sector":"Technology"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))

	profiles := client.Profiles(context.Background(), []string{"AAPL", "EMPTY"})
	if len(profiles) != 2 {
		t.Fatalf("expected 2 records, got %d", len(profiles))
	}
	if profiles[0].Name != "Apple Inc." || profiles[0].Placeholder {
		t.Fatalf("unexpected AAPL profile: %+v", profiles[0])
	}
	if !profiles[1].Placeholder {
		t.Fatalf("expected placeholder for symbol with empty payload")
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := normalizeSymbols([]string{" aapl ", "MSFT", "", "AAPL", "msft"})
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("unexpected symbols: %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{BaseURL: "", Timeout: time.Second}).Validate(); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if err := (Config{BaseURL: "https://example.com", Timeout: 0}).Validate(); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
}
