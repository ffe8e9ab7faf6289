package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/stresswatch/stresswatch/internal/config"
	"github.com/stresswatch/stresswatch/internal/metrics"
	"github.com/stresswatch/stresswatch/internal/persistence"
	"github.com/stresswatch/stresswatch/internal/persistence/postgres"
	"github.com/stresswatch/stresswatch/internal/pipeline"
	"github.com/stresswatch/stresswatch/internal/score"
	"github.com/stresswatch/stresswatch/internal/sources"
)

// app bundles the shared wiring used by every subcommand.
type app struct {
	cfg    *config.Config
	db     *sqlx.DB
	repo   *persistence.Repository
	engine *score.Engine

	client       *sources.Client
	alphaVantage *sources.AlphaVantage
	bluelytics   *sources.Bluelytics
	coinGecko    *sources.CoinGecko
	worldBank    *sources.WorldBank
	fred         *sources.FRED
	imf          *sources.IMF
	criptoYa     *sources.CriptoYa
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.LogLevel)

	dbCfg := postgres.DefaultConfig(cfg.DatabaseURL)
	db, err := postgres.Connect(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	weights, err := config.LoadWeights(cfg.WeightsFile)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine, err := score.NewEngine(weights)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid scoring weights: %w", err)
	}

	client := sources.NewClient()
	return &app{
		cfg:          cfg,
		db:           db,
		repo:         postgres.NewRepository(db, dbCfg.QueryTimeout),
		engine:       engine,
		client:       client,
		alphaVantage: sources.NewAlphaVantage(client, cfg.AlphaVantageAPIKey),
		bluelytics:   sources.NewBluelytics(client),
		coinGecko:    sources.NewCoinGecko(client),
		worldBank:    sources.NewWorldBank(client),
		fred:         sources.NewFRED(client, cfg.FREDAPIKey),
		imf:          sources.NewIMF(client),
		criptoYa:     sources.NewCriptoYa(client),
	}, nil
}

func (a *app) close() {
	a.db.Close()
}

func (a *app) pipelineSources() pipeline.Sources {
	return pipeline.Sources{
		FX:             a.alphaVantage,
		Parallel:       a.bluelytics,
		Crypto:         a.coinGecko,
		Inflation:      a.worldBank,
		Yields:         a.fred,
		FallbackYields: a.imf,
		Reserves:       a.imf,
		Premium:        a.criptoYa,
	}
}

func (a *app) newPipeline(set *metrics.Set) *pipeline.Pipeline {
	return pipeline.New(a.repo, a.pipelineSources(), a.engine, set)
}
