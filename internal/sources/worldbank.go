package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// AnnualValue is one year's observation from an annual series.
type AnnualValue struct {
	Year  int
	Value float64
}

// WorldBank fetches annual CPI inflation (FP.CPI.TOTL.ZG).
type WorldBank struct {
	client  *Client
	baseURL string
}

// NewWorldBank creates the World Bank adapter. No API key required.
func NewWorldBank(client *Client) *WorldBank {
	return &WorldBank{client: client, baseURL: "https://api.worldbank.org"}
}

// WithBaseURL overrides the endpoint, used by tests.
func (w *WorldBank) WithBaseURL(base string) *WorldBank {
	w.baseURL = base
	return w
}

type worldBankEntry struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// InflationSeries returns all non-null annual YoY CPI values for the
// country, ascending by year.
func (w *WorldBank) InflationSeries(ctx context.Context, iso2 string) ([]AnnualValue, error) {
	url := fmt.Sprintf("%s/v2/country/%s/indicator/FP.CPI.TOTL.ZG?format=json&per_page=100",
		w.baseURL, iso2)

	body, err := w.client.GetBytes(ctx, url)
	if err != nil {
		return nil, err
	}

	// The API returns [metadata, entries]; a single-element array means a
	// lookup error.
	var envelope []json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(envelope) < 2 {
		return nil, fmt.Errorf("world bank lookup failed for %s", iso2)
	}

	var entries []worldBankEntry
	if err := json.Unmarshal(envelope[1], &entries); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}

	values := make([]AnnualValue, 0, len(entries))
	for _, e := range entries {
		if e.Value == nil {
			continue
		}
		var year int
		if _, err := fmt.Sscanf(e.Date, "%d", &year); err != nil || year == 0 {
			continue
		}
		values = append(values, AnnualValue{Year: year, Value: *e.Value})
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no inflation data for %s", iso2)
	}

	sort.Slice(values, func(i, j int) bool { return values[i].Year < values[j].Year })
	return values, nil
}

// LatestInflation returns the most recent non-null annual YoY CPI value.
func (w *WorldBank) LatestInflation(ctx context.Context, iso2 string) (*AnnualValue, error) {
	series, err := w.InflationSeries(ctx, iso2)
	if err != nil {
		return nil, err
	}
	latest := series[len(series)-1]
	return &latest, nil
}
