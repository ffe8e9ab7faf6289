// Package config loads the runtime configuration: environment variables for
// secrets and endpoints, YAML files for the scoring weights and the country
// seed registry, with compiled-in defaults for both.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/score"
)

// Config is the environment-derived runtime configuration.
type Config struct {
	DatabaseURL        string
	HTTPAddr           string
	RedisAddr          string
	CronSecret         string
	FREDAPIKey         string
	AlphaVantageAPIKey string
	LogLevel           string
	WeightsFile        string
	CountriesFile      string
}

// Load reads a .env file when present, then the environment. DATABASE_URL
// is the only hard requirement.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		CronSecret:         os.Getenv("CRON_SECRET"),
		FREDAPIKey:         os.Getenv("FRED_API_KEY"),
		AlphaVantageAPIKey: os.Getenv("ALPHAVANTAGE_API_KEY"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		WeightsFile:        os.Getenv("WEIGHTS_FILE"),
		CountriesFile:      os.Getenv("COUNTRIES_FILE"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// weightsFile is the YAML shape of the scoring weight override.
type weightsFile struct {
	Weights map[string]float64 `yaml:"weights"`
}

// LoadWeights reads the scoring weights from a YAML file. An empty path
// returns nil, which the engine resolves to the canonical table.
func LoadWeights(path string) (map[score.Metric]float64, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var file weightsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse weights file: %w", err)
	}
	if len(file.Weights) == 0 {
		return nil, fmt.Errorf("weights file %s has no weights", path)
	}

	weights := make(map[score.Metric]float64, len(file.Weights))
	for name, w := range file.Weights {
		weights[score.Metric(name)] = w
	}
	return weights, nil
}

// countrySeed is the YAML shape of one registry entry.
type countrySeed struct {
	Name       string `yaml:"name"`
	ISO2       string `yaml:"iso2"`
	ISO3       string `yaml:"iso3"`
	IMFCode    string `yaml:"imf_code"`
	Currency   string `yaml:"currency"`
	FREDSeries string `yaml:"fred_series"`
}

type countriesFile struct {
	Countries []countrySeed `yaml:"countries"`
}

// defaultCountries is the compiled-in registry. Argentina is the single
// parallel-market and stablecoin-premium country; South Africa is the one
// with a long-tenor yield series in the primary source, the rest fall back
// to the IMF IFS series.
var defaultCountries = []countrySeed{
	{Name: "Argentina", ISO2: "AR", ISO3: "ARG", IMFCode: "213", Currency: "ARS"},
	{Name: "Brazil", ISO2: "BR", ISO3: "BRA", IMFCode: "223", Currency: "BRL"},
	{Name: "Turkey", ISO2: "TR", ISO3: "TUR", IMFCode: "186", Currency: "TRY"},
	{Name: "Egypt", ISO2: "EG", ISO3: "EGY", IMFCode: "469", Currency: "EGP"},
	{Name: "Nigeria", ISO2: "NG", ISO3: "NGA", IMFCode: "694", Currency: "NGN"},
	{Name: "Pakistan", ISO2: "PK", ISO3: "PAK", IMFCode: "564", Currency: "PKR"},
	{Name: "Colombia", ISO2: "CO", ISO3: "COL", IMFCode: "233", Currency: "COP"},
	{Name: "South Africa", ISO2: "ZA", ISO3: "ZAF", IMFCode: "199", Currency: "ZAR",
		FREDSeries: "IRLTLT01ZAM156N"},
}

// LoadCountries reads the seed registry from a YAML file, or returns the
// compiled-in default when the path is empty.
func LoadCountries(path string) ([]persistence.Country, error) {
	seeds := defaultCountries
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read countries file: %w", err)
		}
		var file countriesFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse countries file: %w", err)
		}
		if len(file.Countries) == 0 {
			return nil, fmt.Errorf("countries file %s has no entries", path)
		}
		seeds = file.Countries
	}

	countries := make([]persistence.Country, 0, len(seeds))
	for _, s := range seeds {
		if s.ISO2 == "" || s.ISO3 == "" || s.Currency == "" {
			return nil, fmt.Errorf("country %q needs iso2, iso3 and currency", s.Name)
		}
		c := persistence.Country{
			Name:     s.Name,
			ISO2:     s.ISO2,
			ISO3:     s.ISO3,
			Currency: s.Currency,
		}
		if s.IMFCode != "" {
			code := s.IMFCode
			c.IMFCode = &code
		}
		if s.FREDSeries != "" {
			series := s.FREDSeries
			c.PrimarySourceSeriesID = &series
		}
		countries = append(countries, c)
	}
	return countries, nil
}
