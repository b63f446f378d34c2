// Package crypto serves CoinGecko market data as MCP tools.
package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Client is a rate limited CoinGecko API client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	limiter *rate.Limiter
}

// NewClient returns a client limited to one request every two seconds with
// bursts of five, which stays inside the public API quota.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	u := c.BaseURL + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("CoinGecko API error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("CoinGecko API error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding CoinGecko response: %w", err)
	}
	return nil
}

type CoinPrice struct {
	Name           string   `json:"name"`
	Symbol         string   `json:"symbol"`
	CurrentPrice   float64  `json:"current_price"`
	MarketCap      float64  `json:"market_cap"`
	PriceChange24h *float64 `json:"price_change_24h"`
	Rank           int      `json:"rank"`
}

// Prices returns the top coins by market cap.
func (c *Client) Prices(ctx context.Context, limit int, currency string) ([]CoinPrice, error) {
	limit = max(1, min(limit, 250))
	params := url.Values{
		"vs_currency":             {currency},
		"order":                   {"market_cap_desc"},
		"per_page":                {strconv.Itoa(limit)},
		"page":                    {"1"},
		"sparkline":               {"false"},
		"price_change_percentage": {"24h"},
	}
	var raw []struct {
		Name                     string   `json:"name"`
		Symbol                   string   `json:"symbol"`
		CurrentPrice             float64  `json:"current_price"`
		MarketCap                float64  `json:"market_cap"`
		PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
		MarketCapRank            int      `json:"market_cap_rank"`
	}
	if err := c.get(ctx, "coins/markets", params, &raw); err != nil {
		return nil, err
	}
	out := make([]CoinPrice, 0, len(raw))
	for _, r := range raw {
		out = append(out, CoinPrice{
			Name:           r.Name,
			Symbol:         strings.ToUpper(r.Symbol),
			CurrentPrice:   r.CurrentPrice,
			MarketCap:      r.MarketCap,
			PriceChange24h: r.PriceChangePercentage24h,
			Rank:           r.MarketCapRank,
		})
	}
	return out, nil
}

type CoinDetail struct {
	Name           string   `json:"name"`
	Symbol         string   `json:"symbol"`
	CurrentPrice   *float64 `json:"current_price"`
	MarketCap      *float64 `json:"market_cap"`
	TotalVolume    *float64 `json:"total_volume"`
	PriceChange24h *float64 `json:"price_change_24h"`
	PriceChange7d  *float64 `json:"price_change_7d"`
	PriceChange30d *float64 `json:"price_change_30d"`
	High24h        *float64 `json:"high_24h"`
	Low24h         *float64 `json:"low_24h"`
	ATH            *float64 `json:"ath"`
	ATHDate        string   `json:"ath_date,omitempty"`
}

// ErrUnknownSymbol is returned when no coin has the requested symbol.
type ErrUnknownSymbol string

func (e ErrUnknownSymbol) Error() string {
	return fmt.Sprintf("cryptocurrency with symbol '%s' not found", string(e))
}

// BySymbol resolves a ticker symbol and returns its market data.
func (c *Client) BySymbol(ctx context.Context, symbol, currency string) (*CoinDetail, error) {
	var search struct {
		Coins []struct {
			ID     string `json:"id"`
			Symbol string `json:"symbol"`
		} `json:"coins"`
	}
	if err := c.get(ctx, "search", url.Values{"query": {symbol}}, &search); err != nil {
		return nil, err
	}
	var id string
	for _, coin := range search.Coins {
		if strings.EqualFold(coin.Symbol, symbol) {
			id = coin.ID
			break
		}
	}
	if id == "" {
		return nil, ErrUnknownSymbol(symbol)
	}

	params := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"true"},
		"community_data": {"false"},
		"developer_data": {"false"},
	}
	var data struct {
		Name       string `json:"name"`
		Symbol     string `json:"symbol"`
		MarketData struct {
			CurrentPrice   map[string]float64 `json:"current_price"`
			MarketCap      map[string]float64 `json:"market_cap"`
			TotalVolume    map[string]float64 `json:"total_volume"`
			High24h        map[string]float64 `json:"high_24h"`
			Low24h         map[string]float64 `json:"low_24h"`
			ATH            map[string]float64 `json:"ath"`
			ATHDate        map[string]string  `json:"ath_date"`
			PriceChange24h *float64           `json:"price_change_percentage_24h"`
			PriceChange7d  *float64           `json:"price_change_percentage_7d"`
			PriceChange30d *float64           `json:"price_change_percentage_30d"`
		} `json:"market_data"`
	}
	if err := c.get(ctx, "coins/"+url.PathEscape(id), params, &data); err != nil {
		return nil, err
	}
	md := data.MarketData
	return &CoinDetail{
		Name:           data.Name,
		Symbol:         strings.ToUpper(data.Symbol),
		CurrentPrice:   lookup(md.CurrentPrice, currency),
		MarketCap:      lookup(md.MarketCap, currency),
		TotalVolume:    lookup(md.TotalVolume, currency),
		PriceChange24h: md.PriceChange24h,
		PriceChange7d:  md.PriceChange7d,
		PriceChange30d: md.PriceChange30d,
		High24h:        lookup(md.High24h, currency),
		Low24h:         lookup(md.Low24h, currency),
		ATH:            lookup(md.ATH, currency),
		ATHDate:        md.ATHDate[currency],
	}, nil
}

func lookup(m map[string]float64, key string) *float64 {
	if v, ok := m[key]; ok {
		return &v
	}
	return nil
}

type TrendingCoin struct {
	Name          string  `json:"name"`
	Symbol        string  `json:"symbol"`
	MarketCapRank int     `json:"market_cap_rank"`
	PriceBTC      float64 `json:"price_btc"`
}

func (c *Client) Trending(ctx context.Context) ([]TrendingCoin, error) {
	var data struct {
		Coins []struct {
			Item TrendingCoin `json:"item"`
		} `json:"coins"`
	}
	if err := c.get(ctx, "search/trending", nil, &data); err != nil {
		return nil, err
	}
	out := make([]TrendingCoin, 0, len(data.Coins))
	for _, coin := range data.Coins {
		out = append(out, coin.Item)
	}
	return out, nil
}

type MarketSummary struct {
	TotalMarketCap         *float64           `json:"total_market_cap"`
	TotalVolume24h         *float64           `json:"total_volume_24h"`
	MarketCapPercentage    map[string]float64 `json:"market_cap_percentage"`
	ActiveCryptocurrencies int                `json:"active_cryptocurrencies"`
	Markets                int                `json:"markets"`
	MarketCapChange24h     float64            `json:"market_cap_change_24h"`
}

func (c *Client) Market(ctx context.Context, currency string) (*MarketSummary, error) {
	var data struct {
		Data struct {
			TotalMarketCap         map[string]float64 `json:"total_market_cap"`
			TotalVolume            map[string]float64 `json:"total_volume"`
			MarketCapPercentage    map[string]float64 `json:"market_cap_percentage"`
			ActiveCryptocurrencies int                `json:"active_cryptocurrencies"`
			Markets                int                `json:"markets"`
			MarketCapChange24hUSD  float64            `json:"market_cap_change_percentage_24h_usd"`
		} `json:"data"`
	}
	if err := c.get(ctx, "global", nil, &data); err != nil {
		return nil, err
	}
	d := data.Data
	return &MarketSummary{
		TotalMarketCap:         lookup(d.TotalMarketCap, currency),
		TotalVolume24h:         lookup(d.TotalVolume, currency),
		MarketCapPercentage:    d.MarketCapPercentage,
		ActiveCryptocurrencies: d.ActiveCryptocurrencies,
		Markets:                d.Markets,
		MarketCapChange24h:     d.MarketCapChange24hUSD,
	}, nil
}

// NewServer returns an MCP server exposing the client's endpoints as tools.
func NewServer(c *Client) *server.MCPServer {
	srv := server.NewMCPServer("crypto", "1.0.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("get_crypto_prices",
		mcp.WithDescription("Get current prices for the top cryptocurrencies by market cap."),
		mcp.WithNumber("limit", mcp.Description("Number of cryptocurrencies to return (max 250)."), mcp.DefaultNumber(10)),
		mcp.WithString("currency", mcp.Description("Quote currency, e.g. usd or eur."), mcp.DefaultString("usd")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prices, err := c.Prices(ctx, req.GetInt("limit", 10), req.GetString("currency", "usd"))
		return jsonResult(prices, err)
	})

	srv.AddTool(mcp.NewTool("get_crypto_by_symbol",
		mcp.WithDescription("Get detailed market data for a cryptocurrency by ticker symbol."),
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Ticker symbol, e.g. btc, eth, sol.")),
		mcp.WithString("currency", mcp.Description("Quote currency, e.g. usd or eur."), mcp.DefaultString("usd")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		symbol, err := req.RequireString("symbol")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		detail, err := c.BySymbol(ctx, symbol, strings.ToLower(req.GetString("currency", "usd")))
		return jsonResult(detail, err)
	})

	srv.AddTool(mcp.NewTool("get_trending_crypto",
		mcp.WithDescription("Get the cryptocurrencies currently trending on CoinGecko."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		trending, err := c.Trending(ctx)
		return jsonResult(trending, err)
	})

	srv.AddTool(mcp.NewTool("get_market_summary",
		mcp.WithDescription("Get a summary of the global cryptocurrency market."),
		mcp.WithString("currency", mcp.Description("Quote currency, e.g. usd or eur."), mcp.DefaultString("usd")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summary, err := c.Market(ctx, strings.ToLower(req.GetString("currency", "usd")))
		return jsonResult(summary, err)
	})

	return srv
}

func jsonResult(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
