// Package pipeline implements the daily orchestrator: one scheduled run that
// fans in all sources, scores every country and upserts the day's rows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stresswatch/stresswatch/internal/mathkit"
	"github.com/stresswatch/stresswatch/internal/metrics"
	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/score"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// parallelMarketISO2 is the only country with a parallel rate and a
// stablecoin premium.
const parallelMarketISO2 = "AR"

const fxVolWindow = 30

// Source interfaces, satisfied by the adapters in internal/sources and by
// test fakes.
type (
	FXSource interface {
		LatestClose(ctx context.Context, currency string) (*sources.DailyClose, error)
	}
	ParallelSource interface {
		FetchGap(ctx context.Context) (*sources.ParallelGap, error)
	}
	CryptoSource interface {
		FetchRatio(ctx context.Context, today time.Time) (*sources.CryptoRatio, error)
	}
	InflationSource interface {
		LatestInflation(ctx context.Context, iso2 string) (*sources.AnnualValue, error)
	}
	YieldSource interface {
		Latest(ctx context.Context, seriesID string) (*sources.SeriesPoint, error)
		RiskFreeLatest(ctx context.Context) (*sources.SeriesPoint, error)
	}
	FallbackYieldSource interface {
		SovereignYieldLatest(ctx context.Context, imfCode string) (*sources.MonthlyValue, error)
	}
	ReservesSource interface {
		ReservesLatest(ctx context.Context, imfCode string) (*sources.MonthlyValue, error)
	}
	PremiumSource interface {
		FetchPremium(ctx context.Context, officialRate float64) (*sources.StablecoinPremium, error)
	}
)

// Sources groups the adapters the orchestrator pulls from.
type Sources struct {
	FX             FXSource
	Parallel       ParallelSource
	Crypto         CryptoSource
	Inflation      InflationSource
	Yields         YieldSource
	FallbackYields FallbackYieldSource
	Reserves       ReservesSource
	Premium        PremiumSource
}

// RunResult is the outcome of one orchestrator invocation.
type RunResult struct {
	RunDate          time.Time `json:"run_date"`
	Skipped          bool      `json:"skipped"`
	Status           string    `json:"status"`
	CountriesUpdated int       `json:"countries_updated"`
	Errors           []string  `json:"errors,omitempty"`
	DurationMS       int64     `json:"duration_ms"`
}

// Pipeline is the daily orchestrator.
type Pipeline struct {
	repo    *persistence.Repository
	src     Sources
	engine  *score.Engine
	metrics *metrics.Set
	now     func() time.Time
}

// New creates the orchestrator. metrics may be nil.
func New(repo *persistence.Repository, src Sources, engine *score.Engine, set *metrics.Set) *Pipeline {
	return &Pipeline{repo: repo, src: src, engine: engine, metrics: set, now: time.Now}
}

// sharedFetches holds the run-wide values fetched once per tick.
type sharedFetches struct {
	crypto   *sources.CryptoRatio
	riskFree *sources.SeriesPoint
}

// Run executes one daily tick. The run date is computed once in UTC at
// entry; every per-country path references it.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	started := p.now()
	today := utcDay(started)

	// Idempotency guard: a successful run today short-circuits everything.
	done, err := p.repo.RunLog.SuccessExists(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("failed to check run log: %w", err)
	}
	if done {
		log.Info().Time("run_date", today).Msg("Run already succeeded today, skipping")
		return &RunResult{RunDate: today, Skipped: true, Status: "skipped"}, nil
	}

	// Prelude: countries and normalization params. Failure here is fatal.
	countries, err := p.repo.Countries.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load countries: %w", err)
	}
	params, degenerate, err := p.loadNormParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load normalization params: %w", err)
	}

	shared, sharedErrs := p.sharedFetches(ctx, today)
	isMonthly := today.Day() == 1

	runErrs := append([]string{}, sharedErrs...)
	updated := 0
	for _, country := range countries {
		ok, errs := p.processCountry(ctx, country, today, isMonthly, shared, params[country.ID], degenerate[country.ID])
		runErrs = append(runErrs, errs...)
		if ok {
			updated++
		}
	}

	status := persistence.RunStatusSuccess
	if len(runErrs) > 0 {
		if updated > 0 {
			status = persistence.RunStatusPartial
		} else {
			status = persistence.RunStatusError
		}
	}

	elapsed := p.now().Sub(started)
	entry := persistence.RunLogEntry{
		RunDate: today,
		Status:  status,
		Detail: map[string]interface{}{
			"countries_updated": updated,
			"errors":            runErrs,
			"monthly":           isMonthly,
		},
		DurationMS: elapsed.Milliseconds(),
	}
	if err := p.repo.RunLog.Insert(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to write run log")
	}
	p.metrics.ObserveRun(status, elapsed)

	log.Info().Str("status", status).Int("countries_updated", updated).
		Int("errors", len(runErrs)).Dur("elapsed", elapsed).Msg("Pipeline run complete")

	return &RunResult{
		RunDate:          today,
		Status:           status,
		CountriesUpdated: updated,
		Errors:           runErrs,
		DurationMS:       elapsed.Milliseconds(),
	}, nil
}

// loadNormParams indexes the stored bounds by country. Degenerate rows are
// dropped here rather than silently scoring 0.5 later; affected countries
// get a flag on their next row.
func (p *Pipeline) loadNormParams(ctx context.Context) (map[int64]map[score.Metric]score.NormParam, map[int64]bool, error) {
	all, err := p.repo.Norms.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	params := make(map[int64]map[score.Metric]score.NormParam)
	degenerate := make(map[int64]bool)
	for _, row := range all {
		if row.MaxVal <= row.MinVal {
			log.Warn().Int64("country_id", row.CountryID).Str("metric", row.MetricName).
				Msg("Dropping degenerate normalization bounds")
			degenerate[row.CountryID] = true
			continue
		}
		if params[row.CountryID] == nil {
			params[row.CountryID] = make(map[score.Metric]score.NormParam)
		}
		params[row.CountryID][score.Metric(row.MetricName)] = score.NormParam{
			Min: row.MinVal, Max: row.MaxVal,
		}
	}
	return params, degenerate, nil
}

// sharedFetches pulls the run-wide crypto ratio and risk-free yield in
// parallel. Failures are recorded, not fatal.
func (p *Pipeline) sharedFetches(ctx context.Context, today time.Time) (*sharedFetches, []string) {
	shared := &sharedFetches{}
	var cryptoErr, rfErr error

	var g errgroup.Group
	g.Go(func() error {
		shared.crypto, cryptoErr = p.src.Crypto.FetchRatio(ctx, today)
		return nil
	})
	g.Go(func() error {
		shared.riskFree, rfErr = p.src.Yields.RiskFreeLatest(ctx)
		return nil
	})
	g.Wait()

	var errs []string
	if cryptoErr != nil {
		p.metrics.AdapterFailure("coingecko")
		log.Error().Err(cryptoErr).Msg("Crypto ratio fetch failed")
		errs = append(errs, fmt.Sprintf("crypto: %v", cryptoErr))
	}
	if rfErr != nil {
		p.metrics.AdapterFailure("fred")
		log.Error().Err(rfErr).Msg("Risk-free yield fetch failed")
		errs = append(errs, fmt.Sprintf("risk_free: %v", rfErr))
	}
	return shared, errs
}

// lastKnown holds the forward-fill baseline for one country.
type lastKnown struct {
	yoy     *persistence.ValueAt
	accel   *persistence.ValueAt
	yield   *persistence.ValueAt
	level   *persistence.ValueAt
	change  *persistence.ValueAt
	premium *persistence.ValueAt
}

func (p *Pipeline) loadLastKnown(ctx context.Context, countryID int64) (*lastKnown, error) {
	last := &lastKnown{}
	fetch := func(column string, dst **persistence.ValueAt) func() error {
		return func() error {
			v, err := p.repo.Observations.LatestValue(ctx, countryID, column)
			if errors.Is(err, persistence.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			*dst = v
			return nil
		}
	}

	var g errgroup.Group
	g.Go(fetch(persistence.ColInflationYoY, &last.yoy))
	g.Go(fetch(persistence.ColInflation, &last.accel))
	g.Go(fetch(persistence.ColSovereignYield, &last.yield))
	g.Go(fetch(persistence.ColReservesLevel, &last.level))
	g.Go(fetch(persistence.ColReservesChange, &last.change))
	g.Go(fetch(persistence.ColStablecoinPremium, &last.premium))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return last, nil
}

// processCountry runs one country's step. It returns whether the row was
// upserted, plus any errors collected along the way.
func (p *Pipeline) processCountry(
	ctx context.Context,
	country persistence.Country,
	today time.Time,
	isMonthly bool,
	shared *sharedFetches,
	params map[score.Metric]score.NormParam,
	degenerateNorm bool,
) (bool, []string) {
	var errs []string
	fail := func(source, format string, args ...interface{}) {
		p.metrics.AdapterFailure(source)
		msg := fmt.Sprintf(format, args...)
		log.Error().Str("country", country.ISO2).Msg(msg)
		errs = append(errs, fmt.Sprintf("%s %s", country.ISO2, msg))
	}

	last, err := p.loadLastKnown(ctx, country.ID)
	if err != nil {
		errs = append(errs, fmt.Sprintf("%s store read: %v", country.ISO2, err))
		return false, errs
	}

	cols := map[string]float64{}
	flags := map[string]interface{}{}
	if degenerateNorm {
		flags["degenerate_norm"] = true
	}
	raw := score.RawMetrics{}
	rowDate := today

	// FX: the one strictly daily per-country fetch. Its reported date keys
	// the row; on failure the row falls back to today's UTC date.
	fx, fxErr := p.src.FX.LatestClose(ctx, country.Currency)
	if fxErr != nil {
		fail("alphavantage", "fx fetch failed: %v", fxErr)
	} else {
		rowDate = utcDay(fx.Date)
		cols[persistence.ColFXClose] = fx.Close

		prior, err := p.repo.Observations.PriorCloses(ctx, country.ID, rowDate, fxVolWindow)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s prior closes: %v", country.ISO2, err))
		} else {
			closes := make([]*float64, 0, len(prior)+1)
			for i := range prior {
				closes = append(closes, &prior[i].Value)
			}
			c := fx.Close
			closes = append(closes, &c)
			vols := mathkit.RollingLogReturnStdDev(closes, fxVolWindow)
			if v := vols[len(vols)-1]; v != nil {
				cols[persistence.ColFXVol] = *v
				raw[score.MetricFXVol] = v
			}
		}

		if country.ISO2 == parallelMarketISO2 && p.src.Parallel != nil {
			if gap, err := p.src.Parallel.FetchGap(ctx); err != nil {
				fail("bluelytics", "parallel gap fetch failed: %v", err)
			} else {
				cols[persistence.ColParallelGap] = gap.GapPercent
			}
		}
	}

	// Stablecoin premium, single country. Fresh fetch only when today's FX
	// gave an official rate; otherwise forward-fill.
	if country.ISO2 == parallelMarketISO2 && p.src.Premium != nil {
		var premium *float64
		if fxErr == nil {
			if fresh, err := p.src.Premium.FetchPremium(ctx, fx.Close); err != nil {
				fail("criptoya", "stablecoin premium fetch failed: %v", err)
			} else {
				premium = &fresh.Premium
			}
		}
		if premium == nil && last.premium != nil {
			premium = &last.premium.Value
			flags["stablecoin_premium_forward_filled"] = true
		}
		if premium != nil {
			cols[persistence.ColStablecoinPremium] = *premium
			raw[score.MetricStablecoinPremium] = premium
		}
	}

	// Inflation: refetched monthly, carried daily.
	var accel *float64
	if isMonthly {
		latest, err := p.src.Inflation.LatestInflation(ctx, country.ISO2)
		if err != nil {
			fail("worldbank", "inflation fetch failed: %v", err)
			accel = carried(last.accel, cols, persistence.ColInflation)
			carried(last.yoy, cols, persistence.ColInflationYoY)
		} else {
			cols[persistence.ColInflationYoY] = latest.Value
			accel = p.inflationAccel(ctx, country.ID, rowDate, latest.Value, last.yoy)
			if accel != nil {
				cols[persistence.ColInflation] = *accel
			}
		}
	} else {
		accel = carried(last.accel, cols, persistence.ColInflation)
		carried(last.yoy, cols, persistence.ColInflationYoY)
	}
	raw[score.MetricInflation] = accel

	// Sovereign yield: primary series, then the SDMX fallback, then carry.
	var yield *float64
	if isMonthly {
		yield = p.fetchSovereign(ctx, country, fail)
		if yield != nil {
			cols[persistence.ColSovereignYield] = *yield
		} else {
			yield = carried(last.yield, cols, persistence.ColSovereignYield)
		}
	} else {
		yield = carried(last.yield, cols, persistence.ColSovereignYield)
	}

	// Risk spread is recomputed every day from the carried yield and
	// today's risk-free observation.
	if shared.riskFree != nil {
		cols[persistence.ColUS10Y] = shared.riskFree.Value
		if yield != nil {
			spread := *yield - shared.riskFree.Value
			cols[persistence.ColRiskSpread] = spread
			raw[score.MetricRiskSpread] = &spread
		}
	}

	// Reserves: refetched monthly with a 90-day-window change, carried daily.
	if isMonthly && country.IMFCode != nil {
		latest, err := p.src.Reserves.ReservesLatest(ctx, *country.IMFCode)
		if err != nil {
			fail("imf", "reserves fetch failed: %v", err)
			carried(last.level, cols, persistence.ColReservesLevel)
			raw[score.MetricReservesChange] = carried(last.change, cols, persistence.ColReservesChange)
		} else {
			cols[persistence.ColReservesLevel] = latest.Value
			baseline, err := p.repo.Observations.LatestValueInWindow(ctx, country.ID,
				persistence.ColReservesLevel, rowDate.AddDate(0, 0, -100), rowDate.AddDate(0, 0, -80))
			if err != nil && !errors.Is(err, persistence.ErrNotFound) {
				errs = append(errs, fmt.Sprintf("%s reserves baseline: %v", country.ISO2, err))
			}
			if baseline != nil {
				if pct, ok := mathkit.PercentChange(latest.Value, baseline.Value); ok {
					cols[persistence.ColReservesChange] = pct
					raw[score.MetricReservesChange] = &pct
				}
			}
		}
	} else {
		carried(last.level, cols, persistence.ColReservesLevel)
		raw[score.MetricReservesChange] = carried(last.change, cols, persistence.ColReservesChange)
	}

	// Crypto ratio: global, fetched once per run.
	if shared.crypto != nil {
		cols[persistence.ColCryptoRatio] = shared.crypto.Ratio
		raw[score.MetricCryptoRatio] = &shared.crypto.Ratio
	}

	// Score and merge the engine's audit flags with the adapter flags.
	if result, ok := p.engine.Score(raw, params); ok {
		cols[persistence.ColStressScore] = result.Score
		for k, v := range result.Flags {
			flags[k] = v
		}
	} else {
		flags["unscored"] = true
		log.Warn().Str("country", country.ISO2).Msg("No available metrics, row left unscored")
	}

	err = p.repo.Observations.Upsert(ctx, persistence.ObservationUpdate{
		CountryID: country.ID,
		Date:      rowDate,
		Columns:   cols,
		Flags:     flags,
	})
	if err != nil {
		errs = append(errs, fmt.Sprintf("%s upsert: %v", country.ISO2, err))
		return false, errs
	}
	p.metrics.AddRows(1)
	return true, errs
}

// inflationAccel computes the acceleration for a freshly fetched YoY value.
// Preferred baseline is the stored YoY from two years earlier; when absent,
// the last stored YoY serves as an approximation.
func (p *Pipeline) inflationAccel(ctx context.Context, countryID int64, rowDate time.Time, newYoY float64, lastYoY *persistence.ValueAt) *float64 {
	baseline, err := p.repo.Observations.ValueOnOrBefore(ctx, countryID,
		persistence.ColInflationYoY, rowDate.AddDate(-2, 0, 0))
	if err == nil && baseline != nil {
		a := newYoY - baseline.Value
		return &a
	}
	if lastYoY != nil {
		a := newYoY - lastYoY.Value
		return &a
	}
	return nil
}

func (p *Pipeline) fetchSovereign(ctx context.Context, country persistence.Country, fail func(string, string, ...interface{})) *float64 {
	if country.PrimarySourceSeriesID != nil {
		point, err := p.src.Yields.Latest(ctx, *country.PrimarySourceSeriesID)
		if err == nil {
			return &point.Value
		}
		fail("fred", "primary yield fetch failed: %v", err)
	}
	if country.IMFCode != nil {
		monthly, err := p.src.FallbackYields.SovereignYieldLatest(ctx, *country.IMFCode)
		if err == nil {
			return &monthly.Value
		}
		fail("imf", "fallback yield fetch failed: %v", err)
	}
	return nil
}

// carried copies a last-known value into today's columns and returns a
// pointer to it, or nil when there is no baseline.
func carried(last *persistence.ValueAt, cols map[string]float64, column string) *float64 {
	if last == nil {
		return nil
	}
	v := last.Value
	cols[column] = v
	return &v
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
