package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/score"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// memRepo is an in-memory Repository good enough for orchestrator tests.
type memRepo struct {
	countries []persistence.Country
	norms     []persistence.NormalizationParam

	rows    map[string]*persistence.Observation // key countryID/date
	upserts []persistence.ObservationUpdate
	runLog  []persistence.RunLogEntry
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[string]*persistence.Observation{}}
}

func (m *memRepo) repository() *persistence.Repository {
	return &persistence.Repository{Countries: m, Observations: m, Norms: normRepoShim{m}, RunLog: m}
}

func rowKey(countryID int64, date time.Time) string {
	return fmt.Sprintf("%d/%s", countryID, date.Format("2006-01-02"))
}

// seed installs a pre-existing observation row.
func (m *memRepo) seed(countryID int64, date time.Time, set func(*persistence.Observation)) {
	obs := &persistence.Observation{CountryID: countryID, Date: date,
		DataFlags: map[string]interface{}{}}
	set(obs)
	m.rows[rowKey(countryID, date)] = obs
}

func (m *memRepo) List(ctx context.Context) ([]persistence.Country, error) {
	return m.countries, nil
}

func (m *memRepo) GetByISO2(ctx context.Context, code string) (*persistence.Country, error) {
	for i := range m.countries {
		if m.countries[i].ISO2 == code {
			return &m.countries[i], nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memRepo) Seed(ctx context.Context, countries []persistence.Country) error {
	m.countries = append(m.countries, countries...)
	return nil
}

func (m *memRepo) Upsert(ctx context.Context, update persistence.ObservationUpdate) error {
	m.upserts = append(m.upserts, update)

	key := rowKey(update.CountryID, update.Date)
	obs, ok := m.rows[key]
	if !ok {
		obs = &persistence.Observation{CountryID: update.CountryID, Date: update.Date}
		m.rows[key] = obs
	}
	for col, v := range update.Columns {
		val := v
		switch col {
		case persistence.ColFXClose:
			obs.FXClose = &val
		case persistence.ColInflationYoY:
			obs.InflationYoY = &val
		case persistence.ColSovereignYield:
			obs.SovereignYield = &val
		case persistence.ColUS10Y:
			obs.US10Y = &val
		case persistence.ColReservesLevel:
			obs.ReservesLevel = &val
		case persistence.ColParallelGap:
			obs.ParallelGap = &val
		case persistence.ColFXVol:
			obs.FXVol = &val
		case persistence.ColInflation:
			obs.Inflation = &val
		case persistence.ColRiskSpread:
			obs.RiskSpread = &val
		case persistence.ColCryptoRatio:
			obs.CryptoRatio = &val
		case persistence.ColReservesChange:
			obs.ReservesChange = &val
		case persistence.ColStablecoinPremium:
			obs.StablecoinPremium = &val
		case persistence.ColStressScore:
			obs.StressScore = &val
		}
	}
	obs.DataFlags = update.Flags
	return nil
}

func (m *memRepo) UpsertBatch(ctx context.Context, updates []persistence.ObservationUpdate) error {
	for _, u := range updates {
		if err := m.Upsert(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRepo) columnValue(obs *persistence.Observation, column string) *float64 {
	switch column {
	case persistence.ColFXClose:
		return obs.FXClose
	case persistence.ColInflationYoY:
		return obs.InflationYoY
	case persistence.ColSovereignYield:
		return obs.SovereignYield
	case persistence.ColUS10Y:
		return obs.US10Y
	case persistence.ColReservesLevel:
		return obs.ReservesLevel
	case persistence.ColParallelGap:
		return obs.ParallelGap
	case persistence.ColFXVol:
		return obs.FXVol
	case persistence.ColInflation:
		return obs.Inflation
	case persistence.ColRiskSpread:
		return obs.RiskSpread
	case persistence.ColCryptoRatio:
		return obs.CryptoRatio
	case persistence.ColReservesChange:
		return obs.ReservesChange
	case persistence.ColStablecoinPremium:
		return obs.StablecoinPremium
	case persistence.ColStressScore:
		return obs.StressScore
	}
	return nil
}

func (m *memRepo) sorted(countryID int64) []*persistence.Observation {
	var out []*persistence.Observation
	for _, obs := range m.rows {
		if obs.CountryID == countryID {
			out = append(out, obs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (m *memRepo) LatestValue(ctx context.Context, countryID int64, column string) (*persistence.ValueAt, error) {
	rows := m.sorted(countryID)
	for i := len(rows) - 1; i >= 0; i-- {
		if v := m.columnValue(rows[i], column); v != nil {
			return &persistence.ValueAt{Value: *v, Date: rows[i].Date}, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memRepo) ValueOnOrBefore(ctx context.Context, countryID int64, column string, date time.Time) (*persistence.ValueAt, error) {
	rows := m.sorted(countryID)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Date.After(date) {
			continue
		}
		if v := m.columnValue(rows[i], column); v != nil {
			return &persistence.ValueAt{Value: *v, Date: rows[i].Date}, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memRepo) LatestValueInWindow(ctx context.Context, countryID int64, column string, from, to time.Time) (*persistence.ValueAt, error) {
	rows := m.sorted(countryID)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Date.After(to) || rows[i].Date.Before(from) {
			continue
		}
		if v := m.columnValue(rows[i], column); v != nil {
			return &persistence.ValueAt{Value: *v, Date: rows[i].Date}, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memRepo) PriorCloses(ctx context.Context, countryID int64, before time.Time, limit int) ([]persistence.ValueAt, error) {
	rows := m.sorted(countryID)
	var out []persistence.ValueAt
	for _, obs := range rows {
		if !obs.Date.Before(before) || obs.FXClose == nil {
			continue
		}
		out = append(out, persistence.ValueAt{Value: *obs.FXClose, Date: obs.Date})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memRepo) LatestScored(ctx context.Context, countryID int64) (*persistence.Observation, error) {
	rows := m.sorted(countryID)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].StressScore != nil {
			return rows[i], nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memRepo) ScoredOnOrBefore(ctx context.Context, countryID int64, date time.Time) (*persistence.Observation, error) {
	rows := m.sorted(countryID)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].Date.After(date) || rows[i].StressScore == nil {
			continue
		}
		return rows[i], nil
	}
	return nil, persistence.ErrNotFound
}

func (m *memRepo) ScoredHistory(ctx context.Context, countryID int64, limit int) ([]persistence.Observation, error) {
	rows := m.sorted(countryID)
	var out []persistence.Observation
	for _, obs := range rows {
		if obs.StressScore != nil {
			out = append(out, *obs)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memRepo) MetricValues(ctx context.Context, countryID int64, column string, from, to time.Time) ([]float64, error) {
	var out []float64
	for _, obs := range m.sorted(countryID) {
		if obs.Date.Before(from) || obs.Date.After(to) {
			continue
		}
		if v := m.columnValue(obs, column); v != nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memRepo) UpsertNorm(ctx context.Context, param persistence.NormalizationParam) error {
	m.norms = append(m.norms, param)
	return nil
}

func (m *memRepo) ListAll(ctx context.Context) ([]persistence.NormalizationParam, error) {
	return m.norms, nil
}

// memRepo.Upsert is taken by the observations contract, so the norms repo
// goes through a shim.
type normRepoShim struct{ *memRepo }

func (s normRepoShim) Upsert(ctx context.Context, param persistence.NormalizationParam) error {
	return s.memRepo.UpsertNorm(ctx, param)
}

func (m *memRepo) Insert(ctx context.Context, entry persistence.RunLogEntry) error {
	m.runLog = append(m.runLog, entry)
	return nil
}

func (m *memRepo) SuccessExists(ctx context.Context, runDate time.Time) (bool, error) {
	for _, e := range m.runLog {
		if e.RunDate.Equal(runDate) && e.Status == persistence.RunStatusSuccess {
			return true, nil
		}
	}
	return false, nil
}

// Fake sources with per-call function hooks.
type fakeSources struct {
	fx        func(currency string) (*sources.DailyClose, error)
	gap       func() (*sources.ParallelGap, error)
	crypto    func() (*sources.CryptoRatio, error)
	inflation func(iso2 string) (*sources.AnnualValue, error)
	yield     func(seriesID string) (*sources.SeriesPoint, error)
	riskFree  func() (*sources.SeriesPoint, error)
	imfYield  func(code string) (*sources.MonthlyValue, error)
	reserves  func(code string) (*sources.MonthlyValue, error)
	premium   func(official float64) (*sources.StablecoinPremium, error)
}

func (f *fakeSources) LatestClose(ctx context.Context, currency string) (*sources.DailyClose, error) {
	return f.fx(currency)
}
func (f *fakeSources) FetchGap(ctx context.Context) (*sources.ParallelGap, error) { return f.gap() }
func (f *fakeSources) FetchRatio(ctx context.Context, today time.Time) (*sources.CryptoRatio, error) {
	return f.crypto()
}
func (f *fakeSources) LatestInflation(ctx context.Context, iso2 string) (*sources.AnnualValue, error) {
	return f.inflation(iso2)
}
func (f *fakeSources) Latest(ctx context.Context, seriesID string) (*sources.SeriesPoint, error) {
	return f.yield(seriesID)
}
func (f *fakeSources) RiskFreeLatest(ctx context.Context) (*sources.SeriesPoint, error) {
	return f.riskFree()
}
func (f *fakeSources) SovereignYieldLatest(ctx context.Context, imfCode string) (*sources.MonthlyValue, error) {
	return f.imfYield(imfCode)
}
func (f *fakeSources) ReservesLatest(ctx context.Context, imfCode string) (*sources.MonthlyValue, error) {
	return f.reserves(imfCode)
}
func (f *fakeSources) FetchPremium(ctx context.Context, officialRate float64) (*sources.StablecoinPremium, error) {
	return f.premium(officialRate)
}

func (f *fakeSources) asSources() Sources {
	return Sources{
		FX: f, Parallel: f, Crypto: f, Inflation: f,
		Yields: f, FallbackYields: f, Reserves: f, Premium: f,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func strPtr(s string) *string { return &s }

// healthySources returns fakes where every provider answers.
func healthySources(fxDate time.Time) *fakeSources {
	return &fakeSources{
		fx: func(currency string) (*sources.DailyClose, error) {
			return &sources.DailyClose{Date: fxDate, Close: 5.40}, nil
		},
		gap: func() (*sources.ParallelGap, error) {
			return &sources.ParallelGap{OfficialRate: 1000, ParallelRate: 1400, GapPercent: 40}, nil
		},
		crypto: func() (*sources.CryptoRatio, error) {
			return &sources.CryptoRatio{Date: fxDate, Ratio: 0.25}, nil
		},
		inflation: func(iso2 string) (*sources.AnnualValue, error) {
			return &sources.AnnualValue{Year: 2025, Value: 6.0}, nil
		},
		yield: func(seriesID string) (*sources.SeriesPoint, error) {
			return &sources.SeriesPoint{Date: fxDate, Value: 11.5}, nil
		},
		riskFree: func() (*sources.SeriesPoint, error) {
			return &sources.SeriesPoint{Date: fxDate, Value: 4.25}, nil
		},
		imfYield: func(code string) (*sources.MonthlyValue, error) {
			return &sources.MonthlyValue{Date: fxDate, Value: 13.0}, nil
		},
		reserves: func(code string) (*sources.MonthlyValue, error) {
			return &sources.MonthlyValue{Date: fxDate, Value: 30000}, nil
		},
		premium: func(official float64) (*sources.StablecoinPremium, error) {
			return &sources.StablecoinPremium{Premium: 25.0, Exchanges: 3}, nil
		},
	}
}

func defaultNorms(countryID int64) []persistence.NormalizationParam {
	metrics := map[string][2]float64{
		persistence.ColFXVol:             {0.001, 0.05},
		persistence.ColInflation:         {-2, 8},
		persistence.ColRiskSpread:        {0, 10},
		persistence.ColCryptoRatio:       {0.1, 0.5},
		persistence.ColReservesChange:    {-15, 15},
		persistence.ColStablecoinPremium: {0, 80},
	}
	var out []persistence.NormalizationParam
	for name, b := range metrics {
		out = append(out, persistence.NormalizationParam{
			CountryID: countryID, MetricName: name, MinVal: b[0], MaxVal: b[1],
		})
	}
	return out
}

func newTestPipeline(t *testing.T, repo *memRepo, src *fakeSources, now time.Time) *Pipeline {
	t.Helper()
	engine, err := score.NewEngine(nil)
	require.NoError(t, err)
	p := New(repo.repository(), src.asSources(), engine, nil)
	p.now = func() time.Time { return now }
	return p
}

// seedHistory installs 35 days of prior rows so fx_vol and the carried
// metrics all have baselines.
func seedHistory(repo *memRepo, countryID int64, until time.Time) {
	for i := 35; i >= 1; i-- {
		date := until.AddDate(0, 0, -i)
		offset := float64(i)
		repo.seed(countryID, date, func(o *persistence.Observation) {
			fx := 5.0 + 0.005*offset
			yoy, accel := 5.5, 1.2
			yld, lvl, chg := 11.0, 29000.0, -3.0
			o.FXClose = &fx
			o.InflationYoY = &yoy
			o.Inflation = &accel
			o.SovereignYield = &yld
			o.ReservesLevel = &lvl
			o.ReservesChange = &chg
		})
	}
}

func TestRunNonMonthlyHappyPath(t *testing.T) {
	now := day(2026, 8, 24) // not the 1st
	repo := newMemRepo()
	repo.countries = []persistence.Country{
		{ID: 1, Name: "Brazil", ISO2: "BR", ISO3: "BRA", Currency: "BRL",
			IMFCode: strPtr("223"), PrimarySourceSeriesID: strPtr("IRLTLT01BRM156N")},
	}
	repo.norms = defaultNorms(1)
	seedHistory(repo, 1, now)

	fxDate := day(2026, 8, 21)
	p := newTestPipeline(t, repo, healthySources(fxDate), now)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, persistence.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, result.CountriesUpdated)
	assert.Empty(t, result.Errors)

	// Row keyed by the FX-reported date, not today.
	obs := repo.rows[rowKey(1, fxDate)]
	require.NotNil(t, obs)
	require.NotNil(t, obs.FXClose)
	assert.Equal(t, 5.40, *obs.FXClose)
	require.NotNil(t, obs.FXVol)
	require.NotNil(t, obs.StressScore)
	assert.GreaterOrEqual(t, *obs.StressScore, 0.0)
	assert.LessOrEqual(t, *obs.StressScore, 100.0)

	// Carried monthly values landed on today's row.
	require.NotNil(t, obs.SovereignYield)
	assert.Equal(t, 11.0, *obs.SovereignYield)
	require.NotNil(t, obs.RiskSpread)
	assert.InDelta(t, 11.0-4.25, *obs.RiskSpread, 1e-9)
	require.NotNil(t, obs.CryptoRatio)
	assert.Equal(t, 0.25, *obs.CryptoRatio)

	// Run log records the success.
	require.Len(t, repo.runLog, 1)
	assert.Equal(t, persistence.RunStatusSuccess, repo.runLog[0].Status)
	assert.Equal(t, now, repo.runLog[0].RunDate)
}

func TestRunFXOutageIsPartial(t *testing.T) {
	now := day(2026, 8, 24)
	repo := newMemRepo()
	repo.countries = []persistence.Country{
		{ID: 1, Name: "Brazil", ISO2: "BR", ISO3: "BRA", Currency: "BRL", IMFCode: strPtr("223")},
		{ID: 2, Name: "Turkey", ISO2: "TR", ISO3: "TUR", Currency: "TRY", IMFCode: strPtr("186")},
	}
	repo.norms = append(defaultNorms(1), defaultNorms(2)...)
	seedHistory(repo, 1, now)
	seedHistory(repo, 2, now)

	fxDate := day(2026, 8, 21)
	src := healthySources(fxDate)
	src.fx = func(currency string) (*sources.DailyClose, error) {
		if currency == "TRY" {
			return nil, errors.New("provider down")
		}
		return &sources.DailyClose{Date: fxDate, Close: 5.40}, nil
	}

	p := newTestPipeline(t, repo, src, now)
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusPartial, result.Status)
	assert.Equal(t, 2, result.CountriesUpdated)
	assert.NotEmpty(t, result.Errors)

	// The failing country's row is keyed by today and carries no FX columns.
	obs := repo.rows[rowKey(2, now)]
	require.NotNil(t, obs)
	assert.Nil(t, obs.FXClose)
	assert.Nil(t, obs.FXVol)
	require.NotNil(t, obs.StressScore, "remaining metrics still score")

	missing, _ := obs.DataFlags["missing"].([]string)
	assert.Contains(t, missing, "fx_vol")
	assert.Equal(t, true, obs.DataFlags["partial"])

	// Previously stored raw values on older rows are untouched.
	prior := repo.rows[rowKey(2, now.AddDate(0, 0, -1))]
	require.NotNil(t, prior)
	assert.NotNil(t, prior.FXClose)

	require.Len(t, repo.runLog, 1)
	assert.Equal(t, persistence.RunStatusPartial, repo.runLog[0].Status)
}

func TestRunSecondCallSameDaySkips(t *testing.T) {
	now := day(2026, 8, 24)
	repo := newMemRepo()
	repo.countries = []persistence.Country{
		{ID: 1, Name: "Brazil", ISO2: "BR", ISO3: "BRA", Currency: "BRL", IMFCode: strPtr("223")},
	}
	repo.norms = defaultNorms(1)
	seedHistory(repo, 1, now)

	p := newTestPipeline(t, repo, healthySources(day(2026, 8, 21)), now)

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, persistence.RunStatusSuccess, first.Status)
	writesAfterFirst := len(repo.upserts)
	logsAfterFirst := len(repo.runLog)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 0, second.CountriesUpdated)
	assert.Len(t, repo.upserts, writesAfterFirst, "no new writes")
	assert.Len(t, repo.runLog, logsAfterFirst, "no new run-log rows")
}

func TestRunMonthlyRefetches(t *testing.T) {
	now := day(2026, 9, 1) // day-of-month 1 triggers the monthly fetches
	repo := newMemRepo()
	repo.countries = []persistence.Country{
		{ID: 1, Name: "Brazil", ISO2: "BR", ISO3: "BRA", Currency: "BRL",
			IMFCode: strPtr("223"), PrimarySourceSeriesID: strPtr("IRLTLT01BRM156N")},
	}
	repo.norms = defaultNorms(1)
	seedHistory(repo, 1, now)

	// A reserves level 90 days back anchors the 90-day change.
	repo.seed(1, now.AddDate(0, 0, -90), func(o *persistence.Observation) {
		lvl := 25000.0
		o.ReservesLevel = &lvl
	})

	fxDate := day(2026, 8, 31)
	src := healthySources(fxDate)
	inflationCalls := 0
	src.inflation = func(iso2 string) (*sources.AnnualValue, error) {
		inflationCalls++
		return &sources.AnnualValue{Year: 2025, Value: 7.0}, nil
	}

	p := newTestPipeline(t, repo, src, now)
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusSuccess, result.Status)
	assert.Equal(t, 1, inflationCalls)

	obs := repo.rows[rowKey(1, fxDate)]
	require.NotNil(t, obs)
	require.NotNil(t, obs.InflationYoY)
	assert.Equal(t, 7.0, *obs.InflationYoY)
	require.NotNil(t, obs.Inflation, "acceleration recomputed on monthly day")
	require.NotNil(t, obs.SovereignYield)
	assert.Equal(t, 11.5, *obs.SovereignYield, "fresh primary yield")
	require.NotNil(t, obs.ReservesLevel)
	assert.Equal(t, 30000.0, *obs.ReservesLevel)
	require.NotNil(t, obs.ReservesChange)
	assert.InDelta(t, (30000.0-25000.0)/25000.0*100, *obs.ReservesChange, 1e-9)
}

func TestRunPremiumForwardFill(t *testing.T) {
	now := day(2026, 8, 24)
	repo := newMemRepo()
	repo.countries = []persistence.Country{
		{ID: 1, Name: "Argentina", ISO2: "AR", ISO3: "ARG", Currency: "ARS", IMFCode: strPtr("213")},
	}
	repo.norms = defaultNorms(1)
	seedHistory(repo, 1, now)
	repo.seed(1, now.AddDate(0, 0, -1), func(o *persistence.Observation) {
		prem := 32.5
		o.StablecoinPremium = &prem
	})

	fxDate := day(2026, 8, 21)
	src := healthySources(fxDate)
	src.premium = func(official float64) (*sources.StablecoinPremium, error) {
		return nil, errors.New("quotes endpoint down")
	}

	p := newTestPipeline(t, repo, src, now)
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, persistence.RunStatusPartial, result.Status, "the failed fetch is recorded")

	obs := repo.rows[rowKey(1, fxDate)]
	require.NotNil(t, obs)
	require.NotNil(t, obs.StablecoinPremium)
	assert.Equal(t, 32.5, *obs.StablecoinPremium)
	assert.Equal(t, true, obs.DataFlags["stablecoin_premium_forward_filled"])
	require.NotNil(t, obs.ParallelGap)
	assert.Equal(t, 40.0, *obs.ParallelGap)
}

func TestRunDegenerateNormFlag(t *testing.T) {
	now := day(2026, 8, 24)
	repo := newMemRepo()
	repo.countries = []persistence.Country{
		{ID: 1, Name: "Egypt", ISO2: "EG", ISO3: "EGY", Currency: "EGP", IMFCode: strPtr("469")},
	}
	repo.norms = []persistence.NormalizationParam{
		{CountryID: 1, MetricName: persistence.ColFXVol, MinVal: 0.02, MaxVal: 0.02},
		{CountryID: 1, MetricName: persistence.ColCryptoRatio, MinVal: 0.1, MaxVal: 0.5},
	}
	seedHistory(repo, 1, now)

	p := newTestPipeline(t, repo, healthySources(day(2026, 8, 21)), now)
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.CountriesUpdated)

	obs := repo.rows[rowKey(1, day(2026, 8, 21))]
	require.NotNil(t, obs)
	assert.Equal(t, true, obs.DataFlags["degenerate_norm"])
	require.NotNil(t, obs.StressScore, "crypto ratio still scores")
}
