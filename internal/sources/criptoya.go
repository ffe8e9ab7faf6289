package sources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stresswatch/stresswatch/internal/mathkit"
)

// StablecoinPremium is the percentage premium of the USDT/ARS market rate
// over the official exchange rate.
type StablecoinPremium struct {
	MedianAsk    float64
	OfficialRate float64
	Premium      float64
	Exchanges    int
}

// CriptoYa fetches USDT/ARS quotes across Argentine exchanges.
type CriptoYa struct {
	client  *Client
	baseURL string
}

// NewCriptoYa creates the CriptoYa adapter. No API key required.
func NewCriptoYa(client *Client) *CriptoYa {
	return &CriptoYa{client: client, baseURL: "https://criptoya.com"}
}

// WithBaseURL overrides the endpoint, used by tests.
func (c *CriptoYa) WithBaseURL(base string) *CriptoYa {
	c.baseURL = base
	return c
}

type criptoYaQuote struct {
	TotalAsk float64 `json:"totalAsk"`
}

// FetchPremium returns the median totalAsk across exchanges as a percentage
// premium over the official rate. At least two exchange quotes are required;
// a single venue is too easy to distort.
func (c *CriptoYa) FetchPremium(ctx context.Context, officialRate float64) (*StablecoinPremium, error) {
	if officialRate <= 0 {
		return nil, fmt.Errorf("non-positive official rate: %f", officialRate)
	}

	body, err := c.client.GetBytes(ctx, c.baseURL+"/api/usdt/ars/1")
	if err != nil {
		return nil, err
	}

	// Top-level keys are exchange names.
	var quotes map[string]criptoYaQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}

	asks := make([]float64, 0, len(quotes))
	for _, q := range quotes {
		if q.TotalAsk > 0 {
			asks = append(asks, q.TotalAsk)
		}
	}
	if len(asks) < 2 {
		return nil, fmt.Errorf("only %d usable exchange quotes", len(asks))
	}

	median := mathkit.Median(asks)
	return &StablecoinPremium{
		MedianAsk:    median,
		OfficialRate: officialRate,
		Premium:      (median - officialRate) / officialRate * 100,
		Exchanges:    len(asks),
	}, nil
}
