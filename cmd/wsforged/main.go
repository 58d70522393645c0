// Command wsforged is a reference host server: it wires wsforge.Runtime
// into a gin router with an in-memory route table and a no-op module
// loader, demonstrating the full upgrade pipeline end to end.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"wsforge/pkg/logger"
	"wsforge/pkg/util"
	"wsforge/pkg/wsforge"
)

// echoRouteTable is a fixed in-memory RouteTable for the demo: one
// static echo route and one parameterised room route.
type echoRouteTable map[string]string

func (t echoRouteTable) Routes() map[string]string { return t }

// echoModuleLoader resolves every module key to the same in-process
// echo handler, standing in for a real application's lazily-loaded
// route modules.
type echoModuleLoader struct{}

func (echoModuleLoader) Load(moduleKey string) (*wsforge.LoadedModule, error) {
	return &wsforge.LoadedModule{Direct: echoFactory(moduleKey)}, nil
}

func echoFactory(moduleKey string) wsforge.ConnectionFactory {
	return func() (wsforge.ConnectionHandler, error) {
		return func(c *wsforge.Client, r *http.Request) (wsforge.CleanupFunc, error) {
			logrus.WithFields(logrus.Fields{
				"connectionId": c.ID,
				"route":        c.Route,
				"moduleKey":    moduleKey,
			}).Info("wsforged: connection opened")

			c.SetMessageHandler(func(messageType int, data []byte) {
				if err := c.Send(data); err != nil {
					logrus.WithError(err).WithField("connectionId", c.ID).Debug("wsforged: echo send failed")
				}
			})

			return func() {
				logrus.WithField("connectionId", c.ID).Info("wsforged: connection closed")
			}, nil
		}, nil
	}
}

func main() {
	if err := logger.Init(logger.LogConfig{
		Level:    util.GetEnvDefault("WSFORGED_LOG_LEVEL", "info"),
		Filename: util.GetEnv("WSFORGED_LOG_FILE"),
	}); err != nil {
		logrus.WithError(err).Warn("wsforged: logger init failed, continuing with defaults")
	}
	defer func() { _ = logger.Sync() }()

	cfg := wsforge.LoadConfigFromEnv(wsforge.DefaultConfig())
	if errs := wsforge.ValidateConfig(cfg); len(errs) > 0 {
		logrus.WithField("errors", errs).Warn("wsforged: starting with invalid config values")
	}

	table := echoRouteTable{
		"/ws/echo":      "echo+upgrade",
		"/ws/rooms/:id": "room+upgrade",
	}
	rt := wsforge.New(cfg, table, echoModuleLoader{})
	rt.Start()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	// A single wildcard route is enough: wsforge.Resolver matches the
	// request path against the full route table itself, independent of
	// how gin dispatched to this handler.
	rt.AttachHTTP(r, "/ws/*path")

	addr := util.GetEnvDefault("WSFORGED_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("wsforged: listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("wsforged: server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("wsforged: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("wsforged: http shutdown error", zap.Error(err))
	}
	if err := rt.Shutdown(ctx); err != nil {
		logger.Error("wsforged: runtime shutdown error", zap.Error(err))
	}
}
