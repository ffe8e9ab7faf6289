package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SeriesPoint is one dated value from a FRED series.
type SeriesPoint struct {
	Date  time.Time
	Value float64
}

// FRED fetches sovereign yields and the DGS10 risk-free reference.
type FRED struct {
	client  *Client
	baseURL string
	apiKey  string
}

// NewFRED creates the FRED adapter.
func NewFRED(client *Client, apiKey string) *FRED {
	return &FRED{client: client, baseURL: "https://api.stlouisfed.org", apiKey: apiKey}
}

// WithBaseURL overrides the endpoint, used by tests.
func (f *FRED) WithBaseURL(base string) *FRED {
	f.baseURL = base
	return f
}

type fredResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// Latest returns the most recent non-missing value of a series. FRED encodes
// missing days (weekends, holidays) as ".", which are skipped.
func (f *FRED) Latest(ctx context.Context, seriesID string) (*SeriesPoint, error) {
	points, err := f.fetch(ctx, seriesID, 10, "desc")
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("no observations for series %s", seriesID)
	}
	return &points[0], nil
}

// RiskFreeLatest returns the most recent 10-year Treasury yield.
func (f *FRED) RiskFreeLatest(ctx context.Context) (*SeriesPoint, error) {
	return f.Latest(ctx, "DGS10")
}

// Series returns up to limit most recent non-missing values, ascending by
// date. Used by the backfill reducers.
func (f *FRED) Series(ctx context.Context, seriesID string, limit int) ([]SeriesPoint, error) {
	points, err := f.fetch(ctx, seriesID, limit, "asc")
	if err != nil {
		return nil, err
	}
	return points, nil
}

func (f *FRED) fetch(ctx context.Context, seriesID string, limit int, order string) ([]SeriesPoint, error) {
	q := url.Values{}
	q.Set("series_id", seriesID)
	q.Set("api_key", f.apiKey)
	q.Set("file_type", "json")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort_order", order)

	var resp fredResponse
	if err := f.client.GetJSON(ctx, f.baseURL+"/fred/series/observations?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	points := make([]SeriesPoint, 0, len(resp.Observations))
	for _, obs := range resp.Observations {
		if obs.Value == "." {
			continue
		}
		value, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		date, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			continue
		}
		points = append(points, SeriesPoint{Date: date, Value: value})
	}
	return points, nil
}
