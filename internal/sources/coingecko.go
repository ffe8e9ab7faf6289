package sources

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// CryptoRatio is the global stablecoin-over-BTC market-cap ratio for a date.
type CryptoRatio struct {
	Date  time.Time
	Ratio float64
}

// CoinGecko fetches market caps for the crypto ratio.
type CoinGecko struct {
	client  *Client
	baseURL string
}

// NewCoinGecko creates the CoinGecko adapter. Free tier, rate kept polite.
func NewCoinGecko(client *Client) *CoinGecko {
	client.SetHostRate("api.coingecko.com", 0.5)
	return &CoinGecko{client: client, baseURL: "https://api.coingecko.com"}
}

// WithBaseURL overrides the endpoint, used by tests.
func (c *CoinGecko) WithBaseURL(base string) *CoinGecko {
	c.baseURL = base
	return c
}

type coinGeckoMarket struct {
	ID        string  `json:"id"`
	MarketCap float64 `json:"market_cap"`
}

// FetchRatio returns (USDT + USDC) / BTC by market cap, rounded to four
// decimals, keyed by today's UTC date. USDT and BTC are required; USDC is
// optional.
func (c *CoinGecko) FetchRatio(ctx context.Context, today time.Time) (*CryptoRatio, error) {
	url := c.baseURL + "/api/v3/coins/markets?vs_currency=usd&ids=bitcoin,tether,usd-coin"

	var markets []coinGeckoMarket
	if err := c.client.GetJSON(ctx, url, &markets); err != nil {
		return nil, err
	}

	caps := map[string]float64{}
	for _, m := range markets {
		if m.MarketCap > 0 {
			caps[m.ID] = m.MarketCap
		}
	}

	btc, okBTC := caps["bitcoin"]
	usdt, okUSDT := caps["tether"]
	if !okBTC || !okUSDT {
		return nil, fmt.Errorf("missing required market caps: btc=%v usdt=%v", okBTC, okUSDT)
	}
	usdc := caps["usd-coin"]

	ratio := math.Round((usdt+usdc)/btc*10000) / 10000
	return &CryptoRatio{Date: today, Ratio: ratio}, nil
}

type coinGeckoChart struct {
	MarketCaps [][2]float64 `json:"market_caps"`
}

// RatioSeries returns one ratio per day over the trailing days window (the
// free tier caps history at 365 days). Days present in the BTC and USDT
// charts are joined by UTC date; USDC fills in where available.
func (c *CoinGecko) RatioSeries(ctx context.Context, days int) ([]CryptoRatio, error) {
	btc, err := c.capsByDay(ctx, "bitcoin", days)
	if err != nil {
		return nil, err
	}
	usdt, err := c.capsByDay(ctx, "tether", days)
	if err != nil {
		return nil, err
	}
	usdc, err := c.capsByDay(ctx, "usd-coin", days)
	if err != nil {
		// USDC is optional for the daily ratio; same here.
		usdc = map[time.Time]float64{}
	}

	dates := make([]time.Time, 0, len(btc))
	for date := range btc {
		if _, ok := usdt[date]; ok {
			dates = append(dates, date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	series := make([]CryptoRatio, 0, len(dates))
	for _, date := range dates {
		ratio := math.Round((usdt[date]+usdc[date])/btc[date]*10000) / 10000
		series = append(series, CryptoRatio{Date: date, Ratio: ratio})
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no overlapping market cap days")
	}
	return series, nil
}

func (c *CoinGecko) capsByDay(ctx context.Context, id string, days int) (map[time.Time]float64, error) {
	url := fmt.Sprintf("%s/api/v3/coins/%s/market_chart?vs_currency=usd&days=%d&interval=daily",
		c.baseURL, id, days)

	var chart coinGeckoChart
	if err := c.client.GetJSON(ctx, url, &chart); err != nil {
		return nil, err
	}

	caps := make(map[time.Time]float64, len(chart.MarketCaps))
	for _, point := range chart.MarketCaps {
		if point[1] <= 0 {
			continue
		}
		ts := time.UnixMilli(int64(point[0])).UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		caps[day] = point[1]
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("empty market cap chart for %s", id)
	}
	return caps, nil
}
