package main

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opst/tuplefab/pkg/utils/echoutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BuildServer routes models of the store and metrics of node.
func BuildServer(node *Node, logger *zap.Logger, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	echoutil.SetLevel(e, loglevel)

	logger = logger.Named("server")
	e.HTTPErrorHandler = echoutil.ErrorHandler(e, logger)
	e.Use(echoutil.LogRequests(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(node.Registerer, promhttp.HandlerOpts{})))
	e.GET("/models/:key", node.Store.Handler("key"))
	return e
}
