package sources

import (
	"context"
	"fmt"
)

// ParallelGap is the percentage spread between the parallel and official
// exchange rates.
type ParallelGap struct {
	OfficialRate float64
	ParallelRate float64
	GapPercent   float64
}

// Bluelytics fetches the Argentine official and blue-dollar quotes.
type Bluelytics struct {
	client  *Client
	baseURL string
}

// NewBluelytics creates the Bluelytics adapter. No API key required.
func NewBluelytics(client *Client) *Bluelytics {
	return &Bluelytics{client: client, baseURL: "https://api.bluelytics.com.ar"}
}

// WithBaseURL overrides the endpoint, used by tests.
func (b *Bluelytics) WithBaseURL(base string) *Bluelytics {
	b.baseURL = base
	return b
}

type bluelyticsResponse struct {
	Oficial struct {
		ValueSell float64 `json:"value_sell"`
		ValueBuy  float64 `json:"value_buy"`
	} `json:"oficial"`
	Blue struct {
		ValueSell float64 `json:"value_sell"`
		ValueBuy  float64 `json:"value_buy"`
	} `json:"blue"`
}

// FetchGap returns the current blue-vs-official gap in percent.
func (b *Bluelytics) FetchGap(ctx context.Context) (*ParallelGap, error) {
	var resp bluelyticsResponse
	if err := b.client.GetJSON(ctx, b.baseURL+"/v2/latest", &resp); err != nil {
		return nil, err
	}

	official := (resp.Oficial.ValueSell + resp.Oficial.ValueBuy) / 2
	parallel := (resp.Blue.ValueSell + resp.Blue.ValueBuy) / 2
	if official <= 0 || parallel <= 0 {
		return nil, fmt.Errorf("non-positive quote: official %f, blue %f", official, parallel)
	}

	return &ParallelGap{
		OfficialRate: official,
		ParallelRate: parallel,
		GapPercent:   (parallel - official) / official * 100,
	}, nil
}
