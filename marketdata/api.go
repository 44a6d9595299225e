package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quantfolio-labs/quantfolio-go/internal/marketdata"
)

const maxSymbolsPerBatch = 50

type marketdataAPI struct {
	logger *slog.Logger
	client *marketdata.Client
}

func newMarketdataAPI(logger *slog.Logger, client *marketdata.Client) *marketdataAPI {
	return &marketdataAPI{
		logger: logger,
		client: client,
	}
}

func (api *marketdataAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /quotes", api.handleQuotes)
	mux.HandleFunc("GET /profiles", api.handleProfiles)
}

// handleQuotes returns one quote per requested symbol. Failed symbols come
// back as placeholders, so the batch itself always succeeds.
func (api *marketdataAPI) handleQuotes(w http.ResponseWriter, r *http.Request) {
	symbols, ok := api.parseSymbols(w, r)
	if !ok {
		return
	}
	quotes := api.client.Quotes(r.Context(), symbols)
	api.writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

func (api *marketdataAPI) handleProfiles(w http.ResponseWriter, r *http.Request) {
	symbols, ok := api.parseSymbols(w, r)
	if !ok {
		return
	}
	profiles := api.client.Profiles(r.Context(), symbols)
	api.writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (api *marketdataAPI) parseSymbols(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	raw := strings.Split(r.URL.Query().Get("symbols"), ",")
	symbols := make([]string, 0, len(raw))
	for _, symbol := range raw {
		if symbol = strings.TrimSpace(symbol); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	if len(symbols) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
		return nil, false
	}
	if len(symbols) > maxSymbolsPerBatch {
		symbols = symbols[:maxSymbolsPerBatch]
	}
	return symbols, true
}

func (api *marketdataAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *marketdataAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
