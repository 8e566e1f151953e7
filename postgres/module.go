package postgres

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/elskow/credstore"
	"github.com/elskow/credstore/config"
	"github.com/elskow/credstore/database"
)

// Module provides the Postgres-backed credential store to an fx app and
// drains it on shutdown.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			fx.Annotate(
				func(cfg *config.AppConfig, manager *database.Manager, log *zap.Logger) *Store {
					return New(manager.DB(), log,
						WithOperationTimeout(cfg.Store.OperationTimeout))
				},
				fx.As(new(credstore.Store)),
			),
		),
		fx.Invoke(registerHooks),
	)
}

func registerHooks(
	lifecycle fx.Lifecycle,
	store credstore.Store,
	log *zap.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("draining credential store")
			return store.Close(ctx)
		},
	})
}
