package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rb3ckers/requestqueue/datatypes"
	"github.com/rb3ckers/requestqueue/internal/cache"
	"github.com/rb3ckers/requestqueue/internal/config"
	"github.com/rb3ckers/requestqueue/internal/delivery"
	"github.com/rb3ckers/requestqueue/internal/dispatch"
	"github.com/rb3ckers/requestqueue/internal/metrics"
	"github.com/rb3ckers/requestqueue/internal/network"
	"github.com/rb3ckers/requestqueue/internal/session"
	"github.com/rb3ckers/requestqueue/internal/status"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type outcome struct {
	path     string
	response dispatch.Response[json.RawMessage]
}

// Run requests every path through a new request queue and prints the results.
func Run(ctx context.Context, cfg *config.Config, paths []string, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.Logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = *l
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			logger.Info().Str("signal", sig.String()).Msg("Received signal, exiting")
			cancel()
		case <-ctx.Done():
		}
	}()

	registry := prometheus.NewRegistry()

	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	httpNetwork, err := network.NewHTTP(network.Settings{
		Timeout:          cfg.RequestTimeout(),
		RetryAfter:       cfg.BreakerRetryAfterDuration(),
		FailureThreshold: uint32(cfg.BreakerThreshold),
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
	}, logger)
	if err != nil {
		return err
	}

	location := datatypes.NewLocation()
	if cfg.HasLocation() {
		location.Set(cfg.Latitude, cfg.Longitude, cfg.Radius, cfg.Sensor)
	}

	var credentials session.Credentials

	if cfg.CredentialsFile != "" {
		key, secret, err := config.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return err
		}

		credentials = session.Credentials{APIKey: key, APISecret: secret}
	}

	sessions := session.NewManager(cfg.SessionEndpoint, credentials, logger)

	callbacks := delivery.NewSerial(logger)
	defer callbacks.Close()

	responses := cache.NewMemory(uint64(cfg.CacheCapacity), cfg.CacheRetentionDuration())
	defer responses.Close()

	queue := dispatch.NewRequestQueue(dispatch.Options{
		Environment: dispatch.Environment{
			Host:       cfg.Host,
			AppVersion: cfg.AppVersion,
			Location:   location,
			Session:    sessions,
		},
		Cache:    responses,
		Network:  httpNetwork,
		Delivery: callbacks,
		PoolSize: cfg.PoolSize,
		LogSize:  cfg.LogSize,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.RetryBackoff(),
			MaxBackoff:     cfg.RetryMaxBackoff(),
		},
		Metrics: m,
		Logger:  &logger,
	})
	sessions.Attach(queue)

	if cfg.MetricsListen != "" {
		gin.SetMode(gin.ReleaseMode)

		accounts := gin.Accounts{}

		if cfg.StatusAuthFile != "" {
			username, password, err := config.LoadCredentials(cfg.StatusAuthFile)
			if err != nil {
				return err
			}

			accounts[username] = password
		}

		router := status.NewRouter(httpNetwork, queue, registry, accounts)

		go func() {
			if err := status.Serve(ctx, cfg.MetricsListen, router, logger); err != nil {
				logger.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Stop()

	if cfg.CredentialsFile != "" {
		sessions.Refresh(func(err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Continuing without session")
			}
		})
	}

	results := make(chan outcome, len(paths))

	for _, path := range paths {
		path := path

		r := dispatch.NewJSONRequest[json.RawMessage](http.MethodGet, path, func(resp dispatch.Response[json.RawMessage]) {
			results <- outcome{path: path, response: resp}
		}).SetCacheTTL(cfg.CacheTTLDuration())

		queue.Add(r)
	}

	failed := 0

	for range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-results:
			if !printOutcome(out, o) {
				failed++
			}
		}
	}

	for _, event := range queue.Log() {
		logger.Debug().Str("type", event.Type).Str("request", event.RequestID).Interface("data", event.Data).Msg(event.Name)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(paths))
	}

	return nil
}

func printOutcome(out io.Writer, o outcome) bool {
	if !o.response.IsSuccess() {
		fmt.Fprintf(out, "%s: %s\n", o.path, o.response.Err)
		return false
	}

	source := "network"
	if o.response.Cached {
		source = "cache"
	}

	fmt.Fprintf(out, "%s (%s): %s\n", o.path, source, o.response.Value)

	return true
}
