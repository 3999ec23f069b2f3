// Package status exposes the state of a running request queue over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rb3ckers/requestqueue/internal/eventlog"
	"github.com/rb3ckers/requestqueue/internal/network"
	"github.com/rs/zerolog"
)

type Hosts interface {
	Status() []*network.HostStatus
}

type Queue interface {
	Log() []eventlog.Event
	RequestCount() uint64
}

type queueStatus struct {
	Requests uint64                `json:"requests"`
	Hosts    []*network.HostStatus `json:"hosts"`
}

// NewRouter serves metrics, host status and the queue log. When accounts are
// given every endpoint requires basic auth.
func NewRouter(hosts Hosts, queue Queue, gatherer prometheus.Gatherer, accounts gin.Accounts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(accounts) > 0 {
		router.Use(gin.BasicAuthForRealm(accounts, "Please provide username and password for the request queue status"))
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, queueStatus{
			Requests: queue.RequestCount(),
			Hosts:    hosts.Status(),
		})
	})

	router.GET("/log", func(c *gin.Context) {
		c.JSON(http.StatusOK, queue.Log())
	})

	return router
}

// Serve runs handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second, //nolint:gomnd
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down status server")
		}
	}()

	logger.Info().Str("address", addr).Msg("Serving metrics and status")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
