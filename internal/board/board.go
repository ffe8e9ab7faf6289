// Package board builds the read surfaces: the current scoreboard with
// rankings and deltas, and the per-country score history.
package board

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/stresswatch/stresswatch/internal/mathkit"
	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/score"
)

const historyLimit = 30

// Entry is one scoreboard row.
type Entry struct {
	Country       string              `json:"country"`
	Code          string              `json:"code"`
	Date          string              `json:"date"`
	Score         float64             `json:"score"`
	Rank          int                 `json:"rank"`
	Delta7        *float64            `json:"delta_7d"`
	Delta30       *float64            `json:"delta_30d"`
	Components    map[string]*float64 `json:"components"`
	Partial       bool                `json:"partial"`
	Missing       []string            `json:"missing,omitempty"`
	LowConfidence bool                `json:"low_confidence"`
}

// HistoryRow is one dated score with its recomputed component scores.
// Components reflect the current normalization bounds, so a rebuild can
// change historical component values without touching the stored score.
type HistoryRow struct {
	Date       string              `json:"date"`
	Score      float64             `json:"score"`
	Components map[string]*float64 `json:"components"`
}

// Composer assembles the read responses.
type Composer struct {
	repo   *persistence.Repository
	engine *score.Engine
}

// NewComposer creates the read-side composer.
func NewComposer(repo *persistence.Repository, engine *score.Engine) *Composer {
	return &Composer{repo: repo, engine: engine}
}

// Scoreboard returns every scored country ranked by stress descending.
// Ties break stably by country id.
func (c *Composer) Scoreboard(ctx context.Context) ([]Entry, error) {
	countries, err := c.repo.Countries.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load countries: %w", err)
	}
	params, err := c.loadParams(ctx)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		entry     Entry
		countryID int64
	}
	var rows []ranked

	for _, country := range countries {
		latest, err := c.repo.Observations.LatestScored(ctx, country.ID)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load latest score for %s: %w", country.ISO2, err)
		}

		entry := Entry{
			Country:    country.Name,
			Code:       country.ISO2,
			Date:       latest.Date.Format("2006-01-02"),
			Score:      *latest.StressScore,
			Delta7:     c.delta(ctx, country.ID, latest, 7),
			Delta30:    c.delta(ctx, country.ID, latest, 30),
			Components: c.components(latest, params[country.ID]),
		}
		entry.Partial, entry.Missing, entry.LowConfidence = readFlags(latest.DataFlags)
		rows = append(rows, ranked{entry: entry, countryID: country.ID})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].entry.Score != rows[j].entry.Score {
			return rows[i].entry.Score > rows[j].entry.Score
		}
		return rows[i].countryID < rows[j].countryID
	})

	out := make([]Entry, len(rows))
	for i, r := range rows {
		r.entry.Rank = i + 1
		out[i] = r.entry
	}
	return out, nil
}

// History returns up to the last 30 scored rows for a country in
// chronological order. Unknown codes surface persistence.ErrNotFound.
func (c *Composer) History(ctx context.Context, iso2 string) ([]HistoryRow, error) {
	country, err := c.repo.Countries.GetByISO2(ctx, iso2)
	if err != nil {
		return nil, err
	}
	params, err := c.loadParams(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := c.repo.Observations.ScoredHistory(ctx, country.ID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", iso2, err)
	}

	out := make([]HistoryRow, 0, len(rows))
	for i := range rows {
		out = append(out, HistoryRow{
			Date:       rows[i].Date.Format("2006-01-02"),
			Score:      *rows[i].StressScore,
			Components: c.components(&rows[i], params[country.ID]),
		})
	}
	return out, nil
}

func (c *Composer) loadParams(ctx context.Context) (map[int64]map[score.Metric]score.NormParam, error) {
	all, err := c.repo.Norms.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load normalization params: %w", err)
	}
	params := make(map[int64]map[score.Metric]score.NormParam)
	for _, row := range all {
		if row.MaxVal <= row.MinVal {
			continue
		}
		if params[row.CountryID] == nil {
			params[row.CountryID] = make(map[score.Metric]score.NormParam)
		}
		params[row.CountryID][score.Metric(row.MetricName)] = score.NormParam{
			Min: row.MinVal, Max: row.MaxVal,
		}
	}
	return params, nil
}

// delta returns the rounded score change against the newest scored row at
// least n days older, or nil when no such row exists.
func (c *Composer) delta(ctx context.Context, countryID int64, latest *persistence.Observation, days int) *float64 {
	prior, err := c.repo.Observations.ScoredOnOrBefore(ctx, countryID,
		latest.Date.AddDate(0, 0, -days))
	if err != nil || prior == nil {
		return nil
	}
	d := mathkit.Round1(*latest.StressScore - *prior.StressScore)
	return &d
}

func (c *Composer) components(obs *persistence.Observation, params map[score.Metric]score.NormParam) map[string]*float64 {
	raw := score.RawMetrics{
		score.MetricFXVol:             obs.FXVol,
		score.MetricInflation:         obs.Inflation,
		score.MetricRiskSpread:        obs.RiskSpread,
		score.MetricCryptoRatio:       obs.CryptoRatio,
		score.MetricReservesChange:    obs.ReservesChange,
		score.MetricStablecoinPremium: obs.StablecoinPremium,
	}
	scored := c.engine.ComponentScores(raw, params)
	out := make(map[string]*float64, len(scored))
	for m, v := range scored {
		out[string(m)] = v
	}
	return out
}

// readFlags pulls the presentation flags out of the stored bag. The bag
// round-trips through JSONB, so missing may arrive as []interface{}.
func readFlags(flags map[string]interface{}) (partial bool, missing []string, lowConfidence bool) {
	if flags == nil {
		return false, nil, false
	}
	partial, _ = flags["partial"].(bool)
	lowConfidence, _ = flags["low_confidence"].(bool)

	switch v := flags["missing"].(type) {
	case []string:
		missing = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				missing = append(missing, s)
			}
		}
	}
	return partial, missing, lowConfidence
}
