package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schoolpool/ridesync/internal/middleware"
	"github.com/schoolpool/ridesync/internal/o11y"
	"github.com/schoolpool/ridesync/reconcile"
	"github.com/schoolpool/ridesync/snapshot"
)

// API is the daemon surface the rendering layer talks to: reconciled ride
// views, the update stream and the ride list proxy.
type API struct {
	r       *gin.Engine
	coord   *reconcile.Coordinator
	fetcher *snapshot.Fetcher
}

func New(coord *reconcile.Coordinator, fetcher *snapshot.Fetcher, obs *o11y.Observability, metricsUsername, metricsPassword string) *API {
	a := &API{
		r:       gin.New(),
		coord:   coord,
		fetcher: fetcher,
	}

	a.r.Use(gin.Recovery())
	a.r.Use(middleware.Tracing())
	a.r.Use(middleware.Logging(obs.Logger))
	a.r.Use(middleware.Metrics(obs.Registry))

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	a.r.GET("/rides", a.listRidesHandler)
	a.r.GET("/rides/:rideId", a.rideViewHandler)
	a.r.GET("/rides/:rideId/projection", a.projectionHandler)
	a.r.GET("/rides/:rideId/stream", a.streamHandler)

	metrics := a.r.Group("/metrics")
	if metricsUsername != "" {
		metrics.Use(gin.BasicAuth(gin.Accounts{metricsUsername: metricsPassword}))
	}
	metrics.GET("", gin.WrapH(promhttp.HandlerFor(obs.Registry, promhttp.HandlerOpts{})))

	return a
}

func (a *API) Router() *gin.Engine {
	return a.r
}
