package crypto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nstogner/godagent/pkg/tools/mcp"
)

func newCoinGecko(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/coins/markets", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("per_page"); got != "2" {
			t.Errorf("per_page = %q, want 2", got)
		}
		w.Write([]byte(`[
			{"name":"Bitcoin","symbol":"btc","current_price":64000.5,"market_cap":1.2e12,"price_change_percentage_24h":1.5,"market_cap_rank":1},
			{"name":"Ethereum","symbol":"eth","current_price":3100,"market_cap":3.7e11,"price_change_percentage_24h":null,"market_cap_rank":2}
		]`))
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"coins":[{"id":"bitcoin-cash","symbol":"BCH"},{"id":"bitcoin","symbol":"BTC"}]}`))
	})
	mux.HandleFunc("/coins/bitcoin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Bitcoin","symbol":"btc","market_data":{
			"current_price":{"usd":64000.5,"eur":59000},
			"market_cap":{"usd":1.2e12},
			"price_change_percentage_24h":1.5,
			"ath":{"usd":73000},"ath_date":{"usd":"2024-03-14T07:10:36.635Z"}}}`))
	})
	mux.HandleFunc("/global", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	c := NewClient(newCoinGecko(t).URL)
	ctx := context.Background()

	prices, err := c.Prices(ctx, 2, "usd")
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if len(prices) != 2 || prices[0].Symbol != "BTC" || prices[1].PriceChange24h != nil {
		t.Errorf("Prices = %+v", prices)
	}

	detail, err := c.BySymbol(ctx, "btc", "eur")
	if err != nil {
		t.Fatalf("BySymbol: %v", err)
	}
	if detail.CurrentPrice == nil || *detail.CurrentPrice != 59000 {
		t.Errorf("CurrentPrice = %v, want 59000", detail.CurrentPrice)
	}
	if detail.MarketCap != nil {
		t.Errorf("MarketCap = %v, want nil for eur", *detail.MarketCap)
	}

	if _, err := c.BySymbol(ctx, "doge", "usd"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("BySymbol(doge) err = %v, want not found", err)
	}

	if _, err := c.Market(ctx, "usd"); err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Market err = %v, want 429", err)
	}
}

func TestServerTools(t *testing.T) {
	ctx := context.Background()
	b, err := mcp.InProcess(ctx, "crypto", NewServer(NewClient(newCoinGecko(t).URL)))
	if err != nil {
		t.Fatalf("InProcess: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	specs, err := b.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(specs) != 4 {
		t.Errorf("got %d tools, want 4", len(specs))
	}

	out, err := b.Invoke(ctx, "get_crypto_by_symbol", map[string]any{"symbol": "BTC"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var detail CoinDetail
	if err := json.Unmarshal([]byte(out.(string)), &detail); err != nil {
		t.Fatalf("decoding tool output: %v", err)
	}
	if detail.Name != "Bitcoin" || detail.ATHDate == "" {
		t.Errorf("detail = %+v", detail)
	}

	if _, err := b.Invoke(ctx, "get_market_summary", nil); err == nil {
		t.Error("get_market_summary succeeded against a failing API")
	}
}
