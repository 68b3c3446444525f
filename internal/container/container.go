package container

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"

	"github.com/mirqtio/quotaguard/internal/events"
	"github.com/mirqtio/quotaguard/internal/handlers"
	"github.com/mirqtio/quotaguard/internal/health"
	"github.com/mirqtio/quotaguard/internal/middleware"
	"github.com/mirqtio/quotaguard/internal/ratelimit"
	"github.com/mirqtio/quotaguard/internal/store"
)

// Options holds the CLI configuration for both binaries.
type Options struct {
	Port          int    `default:"8888"            help:"Port to listen on"                                                       short:"p"`
	RedisAddr     string `default:"localhost:6379"  help:"Redis server address"                                                    short:"r"`
	PostgresDSN   string `default:""                help:"Postgres DSN, required for the postgres backend"`
	Backend       string `default:"redis"           help:"Counter store backend: memory, redis or postgres"                        short:"b"`
	Strategy      string `default:"token-bucket"    help:"Rate limiting strategy: token-bucket, sliding-window or fixed-window"    short:"s"`
	Limit         int64  `default:"100"             help:"Steady-state quota per window"`
	WindowSeconds int64  `default:"60"              help:"Quota window in seconds"`
	Burst         int64  `default:"0"               help:"Extra burst capacity, token bucket only"`
	PublishEvents bool   `default:"false"           help:"Publish decision events to Redis streams"`
	LogFormat     string `default:"console"         help:"Log format: console or json"`
}

// LimiterOptions maps the CLI quota settings to per-call limiter options.
func (o *Options) LimiterOptions() ratelimit.Options {
	return ratelimit.Options{
		Limit:  o.Limit,
		Window: time.Duration(o.WindowSeconds) * time.Second,
		Burst:  o.Burst,
	}
}

// LoggerPackage provides the zap logger.
func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		options := do.MustInvoke[*Options](i)

		if options.LogFormat == "json" {
			return zap.NewProduction()
		}

		return zap.NewDevelopment()
	})
}

// RedisPackage provides the shared Redis client.
func RedisPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*redis.Client, error) {
		options := do.MustInvoke[*Options](i)

		return redis.NewClient(&redis.Options{Addr: options.RedisAddr}), nil
	})
}

// PostgresPackage provides the pgx connection pool.
func PostgresPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*pgxpool.Pool, error) {
		options := do.MustInvoke[*Options](i)
		if options.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend selected but no DSN configured")
		}

		return pgxpool.New(context.Background(), options.PostgresDSN)
	})
}

// StorePackage provides the counter store selected by the backend option.
func StorePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (ratelimit.CounterStore, error) {
		options := do.MustInvoke[*Options](i)

		switch options.Backend {
		case "memory":
			return store.NewMemoryCounterStore(), nil
		case "redis":
			return store.NewRedisCounterStore(do.MustInvoke[*redis.Client](i))
		case "postgres":
			pg := store.NewPostgresCounterStore(do.MustInvoke[*pgxpool.Pool](i))
			if err := pg.EnsureSchema(context.Background()); err != nil {
				return nil, err
			}

			return pg, nil
		default:
			return nil, fmt.Errorf("unknown counter store backend %q", options.Backend)
		}
	})
}

// LimiterPackage provides the rate limiter. An unknown strategy name makes
// the provider fail, which aborts startup; it is never defaulted.
func LimiterPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*ratelimit.Limiter, error) {
		options := do.MustInvoke[*Options](i)

		strategy, err := ratelimit.ParseStrategy(options.Strategy)
		if err != nil {
			return nil, err
		}

		return ratelimit.New(strategy,
			do.MustInvoke[ratelimit.CounterStore](i),
			ratelimit.WithLogger(do.MustInvoke[*zap.Logger](i)),
		)
	})
}

// PublisherPackage provides the decision event publisher over Redis
// streams.
func PublisherPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*events.Publisher, error) {
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client: do.MustInvoke[*redis.Client](i),
		}, watermill.NopLogger{})
		if err != nil {
			return nil, err
		}

		return events.NewPublisher(publisher), nil
	})
}

// ConsumerPackage provides the decision event consumer and its tally
// store.
func ConsumerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*events.MemoryTally, error) {
		return events.NewMemoryTally(), nil
	})

	do.Provide(injector, func(i *do.Injector) (*events.Consumer, error) {
		subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        do.MustInvoke[*redis.Client](i),
			ConsumerGroup: "quotaguard",
		}, watermill.NopLogger{})
		if err != nil {
			return nil, err
		}

		return events.NewConsumer(subscriber,
			do.MustInvoke[*events.MemoryTally](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})
}

// HTTPPackage provides the router and API with enforcement middleware and
// all routes registered.
func HTTPPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*chi.Mux, error) {
		return chi.NewMux(), nil
	})

	do.Provide(injector, func(i *do.Injector) (huma.API, error) {
		options := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)

		var publisher *events.Publisher
		if options.PublishEvents {
			publisher = do.MustInvoke[*events.Publisher](i)
		}

		api := humachi.New(do.MustInvoke[*chi.Mux](i), huma.DefaultConfig("QuotaGuard", "1.0.0"))
		api.UseMiddleware(middleware.RateLimit(api, limiter, options.LimiterOptions(), publisher, logger))

		handlers.RegisterRoutes(api, handlers.NewLimitsHandler(limiter, options.LimiterOptions(), logger))
		health.RegisterRoutes(api, health.NewHandler(healthCheckers(i, options)))

		return api, nil
	})
}

func healthCheckers(i *do.Injector, options *Options) map[string]health.Checker {
	deps := make(map[string]health.Checker)

	switch options.Backend {
	case "redis":
		deps["redis"] = health.NewRedisChecker(do.MustInvoke[*redis.Client](i))
	case "postgres":
		deps["postgres"] = health.NewPostgresChecker(do.MustInvoke[*pgxpool.Pool](i))
	}

	if options.PublishEvents {
		deps["redis"] = health.NewRedisChecker(do.MustInvoke[*redis.Client](i))
	}

	return deps
}
