package main

import (
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/book-expert/tts-dispatch/internal/core"
	"github.com/book-expert/tts-dispatch/internal/delivery"
	"github.com/book-expert/tts-dispatch/internal/dispatch"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/book-expert/tts-dispatch/internal/remote"
	"github.com/book-expert/tts-dispatch/internal/schema"
)

// schemaRefreshEvery bounds on-demand schema refreshes across all endpoints.
const schemaRefreshEvery = 30 * time.Second

// stack is the dispatch pipeline wired from one config.
type stack struct {
	pool       *pool.Pool
	schema     *schema.Cache
	remote     *remote.Client
	cleanup    *delivery.CleanupScheduler
	dispatcher *dispatch.Dispatcher
}

// outbound is a channel that may also carry error notices.
type outbound interface {
	core.OutboundChannel
	core.Notifier
}

func newStack(cfg *config.Config, channel outbound, ledger core.CleanupLedger, log *logger.Logger) *stack {
	endpointPool := pool.New(cfg.EasyTTS.Endpoints, pool.OptionsFromConfig(cfg.EasyTTS), log)
	cache := schema.NewCache(cfg.EasyTTS.StaticPresets(), cfg.EasyTTS.SchemaTTL(), schemaRefreshEvery, log)
	client := remote.New(remote.OptionsFromConfig(cfg.EasyTTS), cache, log)
	cleanup := delivery.NewCleanupScheduler(cfg.General.CleanupDelay(), ledger, log)
	pipeline := delivery.NewPipeline(channel, cleanup, delivery.OptionsFromConfig(cfg), log)

	dispatcher := dispatch.New(dispatch.Dependencies{
		Pool:     endpointPool,
		Remote:   client,
		Schema:   cache,
		Delivery: pipeline,
		Notifier: channel,
	}, dispatch.ResolverFromConfig(cfg), dispatch.OptionsFromConfig(cfg), log)

	return &stack{
		pool:       endpointPool,
		schema:     cache,
		remote:     client,
		cleanup:    cleanup,
		dispatcher: dispatcher,
	}
}

// reload applies a changed config to the parts that support it. Health of
// endpoints that keep their name survives the reload.
func (s *stack) reload(cfg *config.Config) {
	s.pool.Reload(cfg.EasyTTS.Endpoints, pool.OptionsFromConfig(cfg.EasyTTS))
	s.schema.SetStatic(cfg.EasyTTS.StaticPresets())
}
