package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/worker"
)

// generations 根据配置构造 worker 世代并交给 Registration。
type generations struct {
	cfg          *config.Config
	configPath   string
	store        cache.Store
	network      worker.Network
	registration *worker.Registration
	logger       *logrus.Logger
}

// reload 重新读取清单文件并注册新世代，供 /-/reload 与 SIGHUP 使用。
func (g *generations) reload(ctx context.Context) (*worker.Worker, error) {
	bundle, err := manifest.LoadFile(g.cfg.App.ManifestPath, g.cfg.App.Shell)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return g.install(ctx, bundle)
}

func (g *generations) install(ctx context.Context, bundle manifest.Bundle) (*worker.Worker, error) {
	w, err := worker.New(worker.Options{
		Origin:  g.cfg.App.Origin,
		Bundle:  bundle,
		Store:   g.store,
		Network: g.network,
		Logger:  g.logger,
		Partitions: worker.Partitions{
			Manifest: g.cfg.App.ManifestCache,
			Temp:     g.cfg.App.TempCache,
			Content:  g.cfg.App.ContentCache,
		},
		InstallConcurrency: g.cfg.Global.InstallConcurrency,
		AutoSkipWaiting:    g.cfg.App.AutoSkipWaiting,
	})
	if err != nil {
		return nil, err
	}

	fields := logging.LifecycleFields("register", w.ID())
	fields["configPath"] = g.configPath
	fields["resources"] = len(bundle.Resources)
	fields["shell"] = len(bundle.Shell)
	g.logger.WithFields(fields).Info("worker_registering")

	if err := g.registration.Register(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}
