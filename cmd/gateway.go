// Copyright 2025 The wspubsub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/wspubsub/apis"
	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/core"
	"github.com/alwitt/wspubsub/dispatch"
	"github.com/alwitt/wspubsub/gateway"
	"github.com/alwitt/wspubsub/registry"
	"github.com/alwitt/wspubsub/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run one pub/sub gateway instance
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	store storage.ConnectionStore,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	connRegistry, err := registry.DefineConnectionRegistry(store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	sessionManager, err := gateway.DefineSessionManager(
		gateway.SessionConfig{
			WriteTimeout:   time.Second * time.Duration(config.Gateway.Websocket.WriteTimeout),
			IdleTimeout:    time.Second * time.Duration(config.Gateway.Websocket.IdleTimeout),
			MaxMessageSize: config.Gateway.Websocket.MaxMessageSize,
		},
		connRegistry,
		natsClient,
		config.Delivery.SubjectPrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}

	// With NATS available delivery requests route to whichever instance homes
	// the target connection. Without it this instance delivers only to its
	// own sockets.
	var deliverer dispatch.MessageDeliverer = sessionManager
	if natsClient != nil {
		deliverer, err = dispatch.DefineNatsDeliverer(
			natsClient,
			config.Delivery.SubjectPrefix,
			time.Second*time.Duration(config.Delivery.RequestTimeout),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS deliverer")
			return err
		}
	}

	fanoutEngine, err := dispatch.DefineFanoutEngine(store, connRegistry, deliverer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out engine")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt,
		sessionManager,
		fanoutEngine,
		natsClient,
		&config.Gateway.HTTPSetting,
		config.Gateway.APIKey,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(
		router, config.Gateway.Endpoints.PathPrefix, nil,
	)

	// Client connection attach
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connect", map[string]http.HandlerFunc{
		"get": httpHandler.ConnectHandler(),
	})

	// Message publish
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/publish", map[string]http.HandlerFunc{
		"post": httpHandler.PublishHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.Gateway.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
