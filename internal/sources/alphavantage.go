package sources

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// DailyClose is one trading day's FX close.
type DailyClose struct {
	Date  time.Time
	Close float64
}

// AlphaVantage fetches USD/local daily FX series.
type AlphaVantage struct {
	client  *Client
	baseURL string
	apiKey  string
}

// NewAlphaVantage creates the Alpha Vantage FX adapter. The free tier allows
// roughly 5 requests per minute, so the host rate is capped accordingly.
func NewAlphaVantage(client *Client, apiKey string) *AlphaVantage {
	client.SetHostRate("www.alphavantage.co", 1.0/13.0)
	return &AlphaVantage{
		client:  client,
		baseURL: "https://www.alphavantage.co",
		apiKey:  apiKey,
	}
}

// WithBaseURL overrides the endpoint, used by tests.
func (a *AlphaVantage) WithBaseURL(base string) *AlphaVantage {
	a.baseURL = base
	return a
}

type alphaVantageFXResponse struct {
	TimeSeries map[string]struct {
		Close string `json:"4. close"`
	} `json:"Time Series FX (Daily)"`
	Note         string `json:"Note"`
	ErrorMessage string `json:"Error Message"`
}

// LatestClose returns the most recent trading day's USD/currency close.
func (a *AlphaVantage) LatestClose(ctx context.Context, currency string) (*DailyClose, error) {
	series, err := a.fetchSeries(ctx, currency, "compact")
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("empty FX series for %s", currency)
	}
	latest := series[len(series)-1]
	return &latest, nil
}

// FullSeries returns the full available daily history, ascending by date.
func (a *AlphaVantage) FullSeries(ctx context.Context, currency string) ([]DailyClose, error) {
	return a.fetchSeries(ctx, currency, "full")
}

func (a *AlphaVantage) fetchSeries(ctx context.Context, currency, outputSize string) ([]DailyClose, error) {
	q := url.Values{}
	q.Set("function", "FX_DAILY")
	q.Set("from_symbol", "USD")
	q.Set("to_symbol", currency)
	q.Set("outputsize", outputSize)
	q.Set("apikey", a.apiKey)

	var resp alphaVantageFXResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/query?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.ErrorMessage != "" {
		return nil, fmt.Errorf("alphavantage error: %s", resp.ErrorMessage)
	}
	if resp.Note != "" {
		return nil, fmt.Errorf("alphavantage throttled: %s", resp.Note)
	}
	if len(resp.TimeSeries) == 0 {
		return nil, fmt.Errorf("no FX data for USD/%s", currency)
	}

	series := make([]DailyClose, 0, len(resp.TimeSeries))
	for dateStr, day := range resp.TimeSeries {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			log.Warn().Str("date", dateStr).Str("currency", currency).
				Msg("Skipping unparseable FX date")
			continue
		}
		close, err := strconv.ParseFloat(day.Close, 64)
		if err != nil || close <= 0 {
			log.Warn().Str("date", dateStr).Str("currency", currency).
				Msg("Skipping non-positive FX close")
			continue
		}
		series = append(series, DailyClose{Date: date, Close: close})
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no usable FX rows for USD/%s", currency)
	}

	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	return series, nil
}
