package main

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/propfolio/billintake/internal/browser"
	"github.com/propfolio/billintake/internal/config"
	"github.com/propfolio/billintake/internal/extract"
	"github.com/propfolio/billintake/internal/fetch"
	"github.com/propfolio/billintake/internal/model"
	"github.com/propfolio/billintake/internal/rule"
	"github.com/propfolio/billintake/internal/store"
	"github.com/propfolio/billintake/pkg/anthropic"
)

// pipelineEnv bundles the wired pipeline and its collaborators.
type pipelineEnv struct {
	Orchestrator *extract.Orchestrator
	Store        store.Store
	Rules        *rule.Book

	// jobs tracks detached extraction goroutines so Close can drain them
	// before the store goes away.
	jobs sync.WaitGroup
}

// Close drains in-flight jobs, then releases the environment's resources.
func (e *pipelineEnv) Close() {
	e.jobs.Wait()
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

// initPipeline constructs every dependency once at startup and wires the
// lane cascade. Lanes receive interfaces, not concrete collaborators, so
// each stays independently testable.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	var ai anthropic.Client
	if cfg.Anthropic.Key != "" {
		ai = anthropic.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Warn("no anthropic key configured; AI passes disabled, pattern fallbacks only")
	}

	fetcher := fetch.New(fetch.Options{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:   cfg.Fetch.MaxRetries,
		MaxBodyBytes: int64(cfg.Fetch.MaxBodyMB) << 20,
		RateLimiters: map[string]*rate.Limiter{},
	})

	defaults := model.Guardrails{
		MaxSteps:       cfg.Guardrails.MaxSteps,
		MaxTime:        cfg.Guardrails.MaxTimeSecs,
		AllowedDomains: cfg.Guardrails.AllowedDomains,
	}

	classifier := extract.NewClassifier(ai, cfg.Anthropic)
	pins := extract.NewPinExtractor(ai, cfg.Anthropic)
	goals := extract.NewGoalGenerator(ai, cfg.Anthropic)
	driver := browser.NewChromeDriver(cfg.Browser)

	lanes := []extract.Lane{
		extract.NewAttachmentsLane(classifier),
		extract.NewDirectLinkLane(fetcher),
		extract.NewPinPortalLane(fetcher, pins),
		extract.NewAgenticLane(driver, goals, defaults),
	}

	orch := extract.NewOrchestrator(
		lanes,
		time.Duration(cfg.Pipeline.LaneTimeoutSecs)*time.Second,
		defaults,
	)

	rules, err := rule.Load(cfg.Pipeline.RulesPath)
	if err != nil {
		zap.L().Warn("rule book unavailable, all emails get default rule",
			zap.String("path", cfg.Pipeline.RulesPath),
			zap.Error(err),
		)
		rules = rule.NewBook(nil)
	}

	return &pipelineEnv{
		Orchestrator: orch,
		Store:        st,
		Rules:        rules,
	}, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL)
	case "sqlite", "":
		return store.NewSQLite(sc.Path)
	default:
		return nil, eris.Errorf("unknown store driver %q", sc.Driver)
	}
}
