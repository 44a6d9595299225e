// Package marketdata fetches quote and company-profile data from the
// upstream provider, one symbol at a time, degrading failed symbols to
// placeholder records instead of failing the batch.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfolio-labs/quantfolio-go/internal/platform/env"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("QUANTFOLIO_MARKETDATA_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL: env.String("QUANTFOLIO_MARKETDATA_BASE_URL", "https://financialmodelingprep.com/api/v3"),
		APIKey:  env.String("QUANTFOLIO_MARKETDATA_API_KEY", ""),
		Timeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base url is required")
	}
	if strings.Contains(c.BaseURL, " ") {
		return fmt.Errorf("base url is malformed: %q", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// Quote is one symbol's latest price snapshot. Placeholder marks records
// synthesized after an upstream failure; their numeric fields are zero.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Currency      string          `json:"currency,omitempty"`
	AsOf          time.Time       `json:"as_of"`
	Placeholder   bool            `json:"placeholder"`
}

// Profile is one company's descriptive record.
type Profile struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Exchange    string `json:"exchange,omitempty"`
	Sector      string `json:"sector,omitempty"`
	Industry    string `json:"industry,omitempty"`
	Description string `json:"description,omitempty"`
	Placeholder bool   `json:"placeholder"`
}

type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: httpClient,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Quotes fetches one quote per symbol. Every requested symbol appears in the
// result exactly once; an upstream failure yields a placeholder for that
// symbol only. Each symbol is attempted exactly once, no retries.
func (c *Client) Quotes(ctx context.Context, symbols []string) []Quote {
	quotes := make([]Quote, 0, len(symbols))
	for _, symbol := range normalizeSymbols(symbols) {
		quote, err := c.fetchQuote(ctx, symbol)
		if err != nil {
			c.logger.Warn("quote fetch degraded to placeholder",
				"symbol", symbol,
				"error", err,
			)
			quote = Quote{Symbol: symbol, AsOf: c.now().UTC(), Placeholder: true}
		}
		quotes = append(quotes, quote)
	}
	return quotes
}

// Profiles fetches one company profile per symbol with the same degradation
// policy as Quotes.
func (c *Client) Profiles(ctx context.Context, symbols []string) []Profile {
	profiles := make([]Profile, 0, len(symbols))
	for _, symbol := range normalizeSymbols(symbols) {
		profile, err := c.fetchProfile(ctx, symbol)
		if err != nil {
			c.logger.Warn("profile fetch degraded to placeholder",
				"symbol", symbol,
				"error", err,
			)
			profile = Profile{Symbol: symbol, Placeholder: true}
		}
		profiles = append(profiles, profile)
	}
	return profiles
}

type upstreamQuote struct {
	Symbol            string          `json:"symbol"`
	Price             decimal.Decimal `json:"price"`
	Change            decimal.Decimal `json:"change"`
	ChangesPercentage decimal.Decimal `json:"changesPercentage"`
	Currency          string          `json:"currency"`
}

type upstreamProfile struct {
	Symbol      string `json:"symbol"`
	CompanyName string `json:"companyName"`
	Exchange    string `json:"exchange"`
	Sector      string `json:"sector"`
	Industry    string `json:"industry"`
	Description string `json:"description"`
}

func (c *Client) fetchQuote(ctx context.Context, symbol string) (Quote, error) {
	var payload []upstreamQuote
	if err := c.getJSON(ctx, "/quote/"+url.PathEscape(symbol), &payload); err != nil {
		return Quote{}, err
	}
	if len(payload) == 0 {
		return Quote{}, fmt.Errorf("no quote for %q", symbol)
	}
	q := payload[0]
	return Quote{
		Symbol:        symbol,
		Price:         q.Price,
		Change:        q.Change,
		ChangePercent: q.ChangesPercentage,
		Currency:      strings.TrimSpace(q.Currency),
		AsOf:          c.now().UTC(),
	}, nil
}

func (c *Client) fetchProfile(ctx context.Context, symbol string) (Profile, error) {
	var payload []upstreamProfile
	if err := c.getJSON(ctx, "/profile/"+url.PathEscape(symbol), &payload); err != nil {
		return Profile{}, err
	}
	if len(payload) == 0 {
		return Profile{}, fmt.Errorf("no profile for %q", symbol)
	}
	p := payload[0]
	return Profile{
		Symbol:      symbol,
		Name:        strings.TrimSpace(p.CompanyName),
		Exchange:    strings.TrimSpace(p.Exchange),
		Sector:      strings.TrimSpace(p.Sector),
		Industry:    strings.TrimSpace(p.Industry),
		Description: strings.TrimSpace(p.Description),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if c.cfg.APIKey != "" {
		endpoint += "?apikey=" + url.QueryEscape(c.cfg.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode upstream payload: %w", err)
	}
	return nil
}

// normalizeSymbols trims, uppercases, drops empties, and keeps first
// occurrence order while removing duplicates.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
