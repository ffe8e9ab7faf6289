package sources

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// MonthlyValue is one month's observation from an IMF IFS series.
type MonthlyValue struct {
	Date  time.Time // first day of the month
	Value float64
}

// IMF fetches IFS monthly series over SDMX-JSON: sovereign yields for
// countries without a FRED series, and total reserves in USD.
type IMF struct {
	client  *Client
	baseURL string
}

// NewIMF creates the IMF SDMX adapter. No API key required.
func NewIMF(client *Client) *IMF {
	client.SetHostRate("dataservices.imf.org", 0.5)
	return &IMF{client: client, baseURL: "http://dataservices.imf.org"}
}

// WithBaseURL overrides the endpoint, used by tests.
func (i *IMF) WithBaseURL(base string) *IMF {
	i.baseURL = base
	return i
}

type sdmxResponse struct {
	CompactData struct {
		DataSet struct {
			Series struct {
				Obs []sdmxObs `json:"Obs"`
			} `json:"Series"`
		} `json:"DataSet"`
	} `json:"CompactData"`
}

type sdmxObs struct {
	TimePeriod string `json:"@TIME_PERIOD"`
	ObsValue   string `json:"@OBS_VALUE"`
}

// SovereignYieldLatest returns the latest monthly government bond yield for
// the IMF area code. Many countries have no series here; callers treat the
// error as "metric unavailable".
func (i *IMF) SovereignYieldLatest(ctx context.Context, imfCode string) (*MonthlyValue, error) {
	series, err := i.fetchMonthly(ctx, "FIGB_PA", imfCode, 2)
	if err != nil {
		return nil, err
	}
	latest := series[len(series)-1]
	return &latest, nil
}

// SovereignYieldSeries returns the monthly government bond yield series for
// the IMF area code, ascending by month.
func (i *IMF) SovereignYieldSeries(ctx context.Context, imfCode string, years int) ([]MonthlyValue, error) {
	return i.fetchMonthly(ctx, "FIGB_PA", imfCode, years)
}

// ReservesSeries returns monthly total reserves (USD) for the IMF area code
// over the past years, ascending by month.
func (i *IMF) ReservesSeries(ctx context.Context, imfCode string, years int) ([]MonthlyValue, error) {
	return i.fetchMonthly(ctx, "RAXG_USD", imfCode, years)
}

// ReservesLatest returns the most recent monthly reserves level.
func (i *IMF) ReservesLatest(ctx context.Context, imfCode string) (*MonthlyValue, error) {
	series, err := i.fetchMonthly(ctx, "RAXG_USD", imfCode, 1)
	if err != nil {
		return nil, err
	}
	latest := series[len(series)-1]
	return &latest, nil
}

func (i *IMF) fetchMonthly(ctx context.Context, indicator, imfCode string, years int) ([]MonthlyValue, error) {
	if imfCode == "" {
		return nil, fmt.Errorf("no IMF area code")
	}

	now := time.Now().UTC()
	start := now.AddDate(-years, 0, 0)
	url := fmt.Sprintf("%s/REST/SDMX_JSON.svc/CompactData/IFS/M.%s.%s?startPeriod=%d&endPeriod=%d",
		i.baseURL, imfCode, indicator, start.Year(), now.Year())

	var resp sdmxResponse
	if err := i.client.GetJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	obs := resp.CompactData.DataSet.Series.Obs
	values := make([]MonthlyValue, 0, len(obs))
	for _, o := range obs {
		date, err := time.Parse("2006-01", o.TimePeriod)
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(o.ObsValue, 64)
		if err != nil {
			continue
		}
		values = append(values, MonthlyValue{Date: date, Value: value})
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no IFS %s observations for %s", indicator, imfCode)
	}

	sort.Slice(values, func(a, b int) bool { return values[a].Date.Before(values[b].Date) })
	return values, nil
}
