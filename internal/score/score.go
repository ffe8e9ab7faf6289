// Package score implements the stress-score engine: clamp-normalization of
// raw metrics against per-country bounds, weight redistribution across the
// metrics that are actually present, and the audit flags that travel with
// every scored row.
package score

import (
	"fmt"
	"math"

	"github.com/stresswatch/stresswatch/internal/mathkit"
)

// Metric names the scored indicators. The values match the column names of
// the daily observation row.
type Metric string

const (
	MetricFXVol             Metric = "fx_vol"
	MetricInflation         Metric = "inflation"
	MetricRiskSpread        Metric = "risk_spread"
	MetricCryptoRatio       Metric = "crypto_ratio"
	MetricReservesChange    Metric = "reserves_change"
	MetricStablecoinPremium Metric = "stablecoin_premium"
)

// metricOrder fixes the iteration order so scoring output is deterministic.
var metricOrder = []Metric{
	MetricFXVol,
	MetricInflation,
	MetricRiskSpread,
	MetricCryptoRatio,
	MetricReservesChange,
	MetricStablecoinPremium,
}

// CanonicalWeights are the default component weights; they sum to 1.0.
var CanonicalWeights = map[Metric]float64{
	MetricFXVol:             0.25,
	MetricInflation:         0.20,
	MetricRiskSpread:        0.20,
	MetricCryptoRatio:       0.10,
	MetricReservesChange:    0.10,
	MetricStablecoinPremium: 0.15,
}

// lowConfidenceFloor marks scores backed by less than half the canonical
// weight mass.
const lowConfidenceFloor = 0.5

// Metrics returns the scored metric names in canonical order.
func Metrics() []Metric {
	out := make([]Metric, len(metricOrder))
	copy(out, metricOrder)
	return out
}

// RawMetrics maps metric name to an optional raw value. Absence is an
// explicit nil, never a zero: zero is a valid normalized value and must not
// be conflated with a missing one.
type RawMetrics map[Metric]*float64

// NormParam holds the clamp bounds for one (country, metric).
type NormParam struct {
	Min float64
	Max float64
}

// Flags is the free-form audit bag persisted alongside each scored row.
type Flags map[string]interface{}

// Result is the outcome of one scoring call.
type Result struct {
	Score           float64
	Components      map[Metric]float64 // normalized [0, 1]
	AdjustedWeights map[Metric]float64
	Flags           Flags
}

// Engine computes stress scores with a fixed weight table.
type Engine struct {
	weights map[Metric]float64
}

// NewEngine validates the weight table and returns an engine. Weights must
// cover every metric, be non-negative and sum to ~1.0.
func NewEngine(weights map[Metric]float64) (*Engine, error) {
	if weights == nil {
		weights = CanonicalWeights
	}
	sum := 0.0
	for _, m := range metricOrder {
		w, ok := weights[m]
		if !ok {
			return nil, fmt.Errorf("missing weight for metric %s", m)
		}
		if w < 0 {
			return nil, fmt.Errorf("negative weight for metric %s: %f", m, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 0.001 {
		return nil, fmt.Errorf("weights sum to %f, expected 1.0", sum)
	}
	cp := make(map[Metric]float64, len(metricOrder))
	for _, m := range metricOrder {
		cp[m] = weights[m]
	}
	return &Engine{weights: cp}, nil
}

// Score computes the final stress score for one raw-metric record. A metric
// participates only when its raw value is present and a normalization param
// exists for it; the canonical weights of the participating metrics are
// rescaled so the adjusted weights sum to 1. The second return is false when
// no metric is available at all, in which case the row cannot be scored.
func (e *Engine) Score(raw RawMetrics, params map[Metric]NormParam) (*Result, bool) {
	components := make(map[Metric]float64)
	adjusted := make(map[Metric]float64)
	flags := Flags{}

	missing := make([]string, 0, len(metricOrder))
	availableWeight := 0.0
	for _, m := range metricOrder {
		v := raw[m]
		if v == nil {
			missing = append(missing, string(m))
			continue
		}
		p, ok := params[m]
		if !ok {
			// Value present but nothing to normalize it against.
			flags[string(m)+"_norm_missing"] = true
			missing = append(missing, string(m))
			continue
		}
		components[m] = mathkit.ClampNorm(*v, p.Min, p.Max)
		availableWeight += e.weights[m]
	}

	if len(missing) > 0 {
		flags["partial"] = true
		flags["missing"] = missing
	}

	if availableWeight == 0 {
		return nil, false
	}
	if availableWeight < lowConfidenceFloor {
		flags["low_confidence"] = true
	}

	weighted := 0.0
	for _, m := range metricOrder {
		c, ok := components[m]
		if !ok {
			continue
		}
		w := e.weights[m] / availableWeight
		adjusted[m] = w
		weighted += w * c
	}

	return &Result{
		Score:           mathkit.Round1(100 * weighted),
		Components:      components,
		AdjustedWeights: adjusted,
		Flags:           flags,
	}, true
}

// ComponentScores returns the per-metric normalized scores on a 0-100 scale,
// rounded to one decimal, for presentation. Metrics lacking a raw value or a
// normalization param are nil.
func (e *Engine) ComponentScores(raw RawMetrics, params map[Metric]NormParam) map[Metric]*float64 {
	out := make(map[Metric]*float64, len(metricOrder))
	for _, m := range metricOrder {
		v := raw[m]
		if v == nil {
			out[m] = nil
			continue
		}
		p, ok := params[m]
		if !ok {
			out[m] = nil
			continue
		}
		s := mathkit.Round1(100 * mathkit.ClampNorm(*v, p.Min, p.Max))
		out[m] = &s
	}
	return out
}
