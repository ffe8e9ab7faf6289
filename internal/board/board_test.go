package board

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/score"
)

func fp(v float64) *float64 { return &v }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fakeStore struct {
	persistence.CountriesRepo
	persistence.ObservationsRepo

	countries []persistence.Country
	scored    map[int64][]persistence.Observation // ascending by date
	norms     []persistence.NormalizationParam
}

// fakeNorms keeps NormalizationRepo's Upsert off fakeStore, whose embedded
// ObservationsRepo declares an Upsert with a different signature.
type fakeNorms struct {
	persistence.NormalizationRepo
	store *fakeStore
}

func (n *fakeNorms) ListAll(ctx context.Context) ([]persistence.NormalizationParam, error) {
	return n.store.norms, nil
}

func (f *fakeStore) List(ctx context.Context) ([]persistence.Country, error) {
	return f.countries, nil
}

func (f *fakeStore) GetByISO2(ctx context.Context, code string) (*persistence.Country, error) {
	for i := range f.countries {
		if f.countries[i].ISO2 == code {
			return &f.countries[i], nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (f *fakeStore) LatestScored(ctx context.Context, countryID int64) (*persistence.Observation, error) {
	rows := f.scored[countryID]
	if len(rows) == 0 {
		return nil, persistence.ErrNotFound
	}
	return &rows[len(rows)-1], nil
}

func (f *fakeStore) ScoredOnOrBefore(ctx context.Context, countryID int64, date time.Time) (*persistence.Observation, error) {
	rows := f.scored[countryID]
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].Date.After(date) {
			return &rows[i], nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (f *fakeStore) ScoredHistory(ctx context.Context, countryID int64, limit int) ([]persistence.Observation, error) {
	rows := f.scored[countryID]
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]persistence.Observation, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakeStore) repository() *persistence.Repository {
	return &persistence.Repository{Countries: f, Observations: f, Norms: &fakeNorms{store: f}}
}

func newComposer(t *testing.T, store *fakeStore) *Composer {
	t.Helper()
	engine, err := score.NewEngine(nil)
	require.NoError(t, err)
	return NewComposer(store.repository(), engine)
}

func scoredObs(countryID int64, date time.Time, scoreVal float64) persistence.Observation {
	return persistence.Observation{
		CountryID:   countryID,
		Date:        date,
		StressScore: fp(scoreVal),
		DataFlags:   map[string]interface{}{},
	}
}

func TestScoreboardRanksDescendingWithStableTies(t *testing.T) {
	latest := day(2026, 8, 21)
	store := &fakeStore{
		countries: []persistence.Country{
			{ID: 1, Name: "Brazil", ISO2: "BR"},
			{ID: 2, Name: "Turkey", ISO2: "TR"},
			{ID: 3, Name: "Egypt", ISO2: "EG"},
		},
		scored: map[int64][]persistence.Observation{
			1: {scoredObs(1, latest, 55.0)},
			2: {scoredObs(2, latest, 72.3)},
			3: {scoredObs(3, latest, 55.0)}, // tie with Brazil
		},
	}

	entries, err := newComposer(t, store).Scoreboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "TR", entries[0].Code)
	assert.Equal(t, 1, entries[0].Rank)
	// Tie resolves by country id: Brazil (1) before Egypt (3).
	assert.Equal(t, "BR", entries[1].Code)
	assert.Equal(t, 2, entries[1].Rank)
	assert.Equal(t, "EG", entries[2].Code)
	assert.Equal(t, 3, entries[2].Rank)
}

func TestScoreboardDeltas(t *testing.T) {
	latest := day(2026, 8, 21)
	store := &fakeStore{
		countries: []persistence.Country{{ID: 1, Name: "Brazil", ISO2: "BR"}},
		scored: map[int64][]persistence.Observation{
			1: {
				scoredObs(1, latest.AddDate(0, 0, -31), 40.0),
				scoredObs(1, latest.AddDate(0, 0, -8), 45.5),
				scoredObs(1, latest, 49.1),
			},
		},
	}

	entries, err := newComposer(t, store).Scoreboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NotNil(t, entries[0].Delta7)
	assert.InDelta(t, 3.6, *entries[0].Delta7, 1e-9)
	require.NotNil(t, entries[0].Delta30)
	assert.InDelta(t, 9.1, *entries[0].Delta30, 1e-9)
}

func TestScoreboardDeltasNullWithoutHistory(t *testing.T) {
	store := &fakeStore{
		countries: []persistence.Country{{ID: 1, Name: "Brazil", ISO2: "BR"}},
		scored: map[int64][]persistence.Observation{
			1: {scoredObs(1, day(2026, 8, 21), 49.1)},
		},
	}

	entries, err := newComposer(t, store).Scoreboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Delta7, "no prior row, delta null not zero")
	assert.Nil(t, entries[0].Delta30)
}

func TestScoreboardSkipsUnscoredCountriesAndReadsFlags(t *testing.T) {
	obs := scoredObs(2, day(2026, 8, 21), 81.1)
	obs.DataFlags = map[string]interface{}{
		"partial":        true,
		"low_confidence": true,
		// as decoded from JSONB
		"missing": []interface{}{"fx_vol", "reserves_change"},
	}
	store := &fakeStore{
		countries: []persistence.Country{
			{ID: 1, Name: "Brazil", ISO2: "BR"}, // no scored rows
			{ID: 2, Name: "Turkey", ISO2: "TR"},
		},
		scored: map[int64][]persistence.Observation{2: {obs}},
	}

	entries, err := newComposer(t, store).Scoreboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "TR", entries[0].Code)
	assert.True(t, entries[0].Partial)
	assert.True(t, entries[0].LowConfidence)
	assert.Equal(t, []string{"fx_vol", "reserves_change"}, entries[0].Missing)
}

func TestScoreboardComponentsUseCurrentParams(t *testing.T) {
	obs := scoredObs(1, day(2026, 8, 21), 49.1)
	obs.FXVol = fp(0.030)
	obs.Inflation = fp(1.5)

	store := &fakeStore{
		countries: []persistence.Country{{ID: 1, Name: "Brazil", ISO2: "BR"}},
		scored:    map[int64][]persistence.Observation{1: {obs}},
		norms: []persistence.NormalizationParam{
			{CountryID: 1, MetricName: "fx_vol", MinVal: 0.01, MaxVal: 0.04},
		},
	}

	entries, err := newComposer(t, store).Scoreboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	comps := entries[0].Components
	require.NotNil(t, comps["fx_vol"])
	assert.Equal(t, 66.7, *comps["fx_vol"])
	assert.Nil(t, comps["inflation"], "raw value present but no current bounds")
	assert.Nil(t, comps["crypto_ratio"])
}

func TestHistoryReturnsLast30Chronological(t *testing.T) {
	start := day(2026, 6, 1)
	var rows []persistence.Observation
	for i := 0; i < 45; i++ {
		rows = append(rows, scoredObs(1, start.AddDate(0, 0, i), 40.0+float64(i)*0.1))
	}
	store := &fakeStore{
		countries: []persistence.Country{{ID: 1, Name: "Brazil", ISO2: "BR"}},
		scored:    map[int64][]persistence.Observation{1: rows},
	}

	history, err := newComposer(t, store).History(context.Background(), "BR")
	require.NoError(t, err)
	require.Len(t, history, 30)
	assert.Equal(t, rows[15].Date.Format("2006-01-02"), history[0].Date,
		"the oldest 15 rows fall off")
	assert.Less(t, history[0].Date, history[29].Date)
}

func TestHistoryUnknownCountry(t *testing.T) {
	store := &fakeStore{}
	_, err := newComposer(t, store).History(context.Background(), "XX")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
