package cmd

import (
	"context"
	"errors"

	"github.com/dotcommander/agentrun/internal/agent"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/mcp"
	"github.com/dotcommander/agentrun/internal/metrics"
	"github.com/dotcommander/agentrun/internal/storage"
)

// app is the wired engine shared by serve and run.
type app struct {
	store   storage.Store
	pool    *mcp.Pool
	metrics *metrics.Metrics
	service *agent.Service
}

func (rt *runtime) newApp(ctx context.Context, withMetrics bool) (*app, error) {
	st, err := storage.Open(ctx, rt.cfg.DBDriver, rt.cfg.DBDSN)
	if err != nil {
		return nil, errs.As(errs.KindPersistence, err, "Could not open database.")
	}
	a := &app{store: st}

	if withMetrics {
		m, err := metrics.New(ctx, "agentrun")
		if err != nil {
			_ = a.close(ctx)
			return nil, errs.As(errs.KindConfiguration, err, "Could not set up metrics.")
		}
		a.metrics = m
	}

	if rt.cfg.ToolServer.Configured() {
		a.pool = mcp.NewPool(mcp.NewDialer(rt.cfg.ToolServer, rt.cfg.ToolTimeout, rt.build.Version), mcp.PoolConfig{
			IdleTimeout: rt.cfg.ToolIdleTimeout,
			Logger:      rt.logger.WithPrefix("tools"),
			Metrics:     a.metrics,
		})
	} else {
		rt.logger.Info("no tool server configured, agents run without tools")
	}

	router, err := agent.NewRouter(&rt.cfg, nil, rt.logger.WithPrefix("router"))
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.service = agent.New(agent.Options{
		Config:  &rt.cfg,
		Store:   st,
		Router:  router,
		Broker:  mcp.NewBroker(a.pool, rt.logger.WithPrefix("tools")),
		Metrics: a.metrics,
		Logger:  rt.logger.WithPrefix("agent"),
	})
	return a, nil
}

// close releases the pool, the store and the metrics provider.
func (a *app) close(ctx context.Context) error {
	var errList []error
	if a.pool != nil {
		errList = append(errList, a.pool.Close())
	}
	errList = append(errList, a.store.Close(), a.metrics.Shutdown(context.WithoutCancel(ctx)))
	return errors.Join(errList...)
}
