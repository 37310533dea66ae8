package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// solMintAddress is the wrapped-SOL mint used by the Jupiter price API.
const solMintAddress = "So11111111111111111111111111111111111111112"

// HTTPOptions parameterise the HTTP price sources.
type HTTPOptions struct {
	CoinGeckoURL string
	BinanceURL   string
	JupiterURL   string
	Timeout      time.Duration
	UserAgent    string
}

// NewHTTPSources builds the default source chain: CoinGecko, then Binance,
// then Jupiter.
func NewHTTPSources(opts HTTPOptions) []Source {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	agent := opts.UserAgent
	if agent == "" {
		agent = "solcustody/1.0"
	}

	return []Source{
		&coinGeckoSource{baseURL: trimBase(opts.CoinGeckoURL, "https://api.coingecko.com/api/v3"), client: client, agent: agent},
		&binanceSource{baseURL: trimBase(opts.BinanceURL, "https://api.binance.com"), client: client, agent: agent},
		&jupiterSource{baseURL: trimBase(opts.JupiterURL, "https://price.jup.ag/v4"), client: client, agent: agent},
	}
}

func trimBase(base, fallback string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return fallback
	}
	return base
}

type coinGeckoSource struct {
	baseURL string
	client  *http.Client
	agent   string
}

func (s *coinGeckoSource) Name() string { return "coingecko" }

func (s *coinGeckoSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	endpoint := s.baseURL + "/simple/price?" + url.Values{
		"ids":           {"solana"},
		"vs_currencies": {"usd"},
	}.Encode()

	payload, err := getJSON(ctx, s.client, endpoint, s.agent)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var body struct {
		Solana struct {
			USD json.Number `json:"usd"`
		} `json:"solana"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, err
	}
	if body.Solana.USD == "" {
		return decimal.Decimal{}, fmt.Errorf("coingecko response missing solana/usd")
	}
	return decimal.NewFromString(body.Solana.USD.String())
}

type binanceSource struct {
	baseURL string
	client  *http.Client
	agent   string
}

func (s *binanceSource) Name() string { return "binance" }

func (s *binanceSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	endpoint := s.baseURL + "/api/v3/ticker/price?symbol=SOLUSDT"

	payload, err := getJSON(ctx, s.client, endpoint, s.agent)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var body struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, err
	}
	if body.Price == "" {
		return decimal.Decimal{}, fmt.Errorf("binance response missing price")
	}
	return decimal.NewFromString(body.Price)
}

type jupiterSource struct {
	baseURL string
	client  *http.Client
	agent   string
}

func (s *jupiterSource) Name() string { return "jupiter" }

func (s *jupiterSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	endpoint := s.baseURL + "/price?ids=" + solMintAddress

	payload, err := getJSON(ctx, s.client, endpoint, s.agent)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var body struct {
		Data map[string]struct {
			Price json.Number `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, err
	}
	entry, ok := body.Data[solMintAddress]
	if !ok || entry.Price == "" {
		return decimal.Decimal{}, fmt.Errorf("jupiter response missing SOL price")
	}
	return decimal.NewFromString(entry.Price.String())
}

func getJSON(ctx context.Context, client *http.Client, endpoint, agent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", agent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
