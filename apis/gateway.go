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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/core"
	"github.com/alwitt/wspubsub/dispatch"
	"github.com/alwitt/wspubsub/gateway"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// PublishRequest REST request body for publishing one message
type PublishRequest struct {
	// Topic is the topic to publish under
	Topic string `json:"topic" validate:"required"`
	// Message is the payload delivered verbatim to every subscriber
	Message string `json:"message" validate:"required"`
}

// PublishResponse REST response for a publish call
type PublishResponse struct {
	StandardResponse
	dispatch.FanoutResult
}

// APIRestGatewayHandler REST handler for the pub/sub gateway
type APIRestGatewayHandler struct {
	APIRestHandler
	sessions    gateway.SessionManager
	engine      dispatch.FanoutEngine
	natsClient  *core.NatsClient
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	apiKey      string
	baseContext context.Context
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	sessions gateway.SessionManager,
	engine dispatch.FanoutEngine,
	natsClient *core.NatsClient,
	httpConfig *common.HTTPConfig,
	apiKey string,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		sessions: sessions,
		engine:   engine,
		// Browser clients carry no preset origin policy for this service
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		natsClient:  natsClient,
		validate:    validator.New(),
		apiKey:      apiKey,
		baseContext: baseContext,
	}, nil
}

// =======================================================================
// Client connection attach

// Connect upgrade the request to a WebSocket session, and serve it until the
// client leaves. The session lifecycle drives the connection registry.
func (h APIRestGatewayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.WithError(err).WithFields(localLogTags).Info("WebSocket upgrade failed")
		return
	}
	h.sessions.RunSession(h.baseContext, conn, h.engine)
}

// ConnectHandler Wrapper around Connect
func (h APIRestGatewayHandler) ConnectHandler() http.HandlerFunc {
	return h.attachRequestID(h.checkAPIKey(h.apiKey, func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}))
}

// =======================================================================
// Message publish

// Publish fan a payload out to every connection subscribed to the topic.
// The call reports the resolved recipient count; individual delivery
// failures stay invisible as publishing is best-effort.
func (h APIRestGatewayHandler) Publish(w http.ResponseWriter, r *http.Request) {
	restCall := "POST /v1/publish"
	localLogTags := h.requestLogTags(r)

	var request PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to process message"
		log.WithError(err).WithFields(localLogTags).Info(msg)
		h.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), restCall)
		return
	}

	result, err := h.engine.Publish(r.Context(), request.Topic, []byte(request.Message))
	if err != nil {
		msg := fmt.Sprintf("Unable to publish to topic %s", request.Topic)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			restCall,
		)
		return
	}

	h.reply(w, http.StatusOK, PublishResponse{
		StandardResponse: getStdRESTSuccessMsg(), FanoutResult: result,
	}, restCall)
}

// PublishHandler Wrapper around Publish
func (h APIRestGatewayHandler) PublishHandler() http.HandlerFunc {
	return h.attachRequestID(h.checkAPIKey(h.apiKey, func(w http.ResponseWriter, r *http.Request) {
		h.Publish(w, r)
	}))
}

// =======================================================================
// Health Checks

// Alive liveness check
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// Ready readiness check
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient != nil && h.natsClient.NATs().Status() != nats.CONNECTED {
		msg := "not ready"
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
