package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"raaf-gateway/internal/config"
	"raaf-gateway/internal/handoff"
	"raaf-gateway/internal/logging"
	"raaf-gateway/internal/provider"
	providerfactory "raaf-gateway/internal/provider/factory"
	"raaf-gateway/internal/router"
)

// gateway is everything a command needs once configuration is loaded.
type gateway struct {
	cfg    config.Config
	logger *slog.Logger
	router *router.Router
	sink   *handoff.RedisStatsSink
}

func (r *gateway) Close() error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

func loadGateway(ctx context.Context, cfgPath string, overridePort int) (*gateway, error) {
	if cfgPath == "" {
		return nil, errors.New("--config <path> is required")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return nil, fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}

	rt := &gateway{cfg: cfg, logger: logger}

	detectorOpts := []handoff.Option{handoff.WithLogger(logger)}
	if redisCfg := cfg.Handoff.Redis; redisCfg != nil {
		sink, err := handoff.NewRedisStatsSink(ctx, handoff.RedisConfig{
			Address:   redisCfg.Address,
			Password:  redisCfg.Password,
			DB:        redisCfg.DB,
			KeyPrefix: redisCfg.KeyPrefix,
			Timeout:   redisCfg.Timeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		rt.sink = sink
		detectorOpts = append(detectorOpts, handoff.WithStatsSink(sink))
		logger.Info("handoff stats shared via redis", "key", sink.Key())
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry); err != nil {
		_ = rt.Close()
		return nil, err
	}

	liveProbe := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		liveProbe[p.Name] = p.LiveProbe
	}

	rt.router = router.New(registry, router.Settings{
		Policy:    cfg.Retry.Policy(),
		Roster:    cfg.Handoff.Roster,
		Detector:  handoff.NewDetector(detectorOpts...),
		LiveProbe: liveProbe,
		Logger:    logger,
	})
	return rt, nil
}
