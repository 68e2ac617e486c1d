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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/dispatch"
	"github.com/alwitt/wspubsub/gateway"
	"github.com/alwitt/wspubsub/registry"
	"github.com/alwitt/wspubsub/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func defineGatewayTestServer(t *testing.T, apiKey string) (
	storage.ConnectionStore, gateway.SessionManager, *httptest.Server,
) {
	assert := assert.New(t)

	store := storage.CreateMemoryConnectionStore()
	reg, err := registry.DefineConnectionRegistry(store)
	assert.Nil(err)
	sessionManager, err := gateway.DefineSessionManager(
		gateway.SessionConfig{
			WriteTimeout:   time.Second * 2,
			IdleTimeout:    time.Second * 5,
			MaxMessageSize: 4096,
		},
		reg,
		nil,
		"ut",
	)
	assert.Nil(err)
	engine, err := dispatch.DefineFanoutEngine(store, reg, sessionManager)
	assert.Nil(err)

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Wspubsub-Request-ID"},
	}
	uut, err := GetAPIRestGatewayHandler(
		context.Background(), sessionManager, engine, nil, &httpConfig, apiKey,
	)
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/connect", map[string]http.HandlerFunc{
		"get": uut.ConnectHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/publish", map[string]http.HandlerFunc{
		"post": uut.PublishHandler(),
	})
	_ = RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": uut.AliveHandler(),
	})
	_ = RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
		"get": uut.ReadyHandler(),
	})

	return store, sessionManager, httptest.NewServer(router)
}

func TestGatewayHealthEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, _, testServer := defineGatewayTestServer(t, "")
	defer testServer.Close()

	// Case 0: liveness
	{
		resp, err := http.Get(testServer.URL + "/alive")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 1: readiness without a NATS client checks nothing else
	{
		resp, err := http.Get(testServer.URL + "/ready")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestGatewayPublishValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, _, testServer := defineGatewayTestServer(t, "")
	defer testServer.Close()

	publishURL := testServer.URL + "/v1/publish"

	// Case 0: unparsable body
	{
		resp, err := http.Post(publishURL, "application/json", strings.NewReader("not json"))
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 1: missing topic
	{
		resp, err := http.Post(
			publishURL, "application/json", strings.NewReader(`{"message": "hello"}`),
		)
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		var parsed StandardResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.False(parsed.Success)
		_ = resp.Body.Close()
	}

	// Case 2: missing message
	{
		resp, err := http.Post(
			publishURL, "application/json", strings.NewReader(`{"topic": "weather"}`),
		)
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 3: valid publish with no subscribers still succeeds
	{
		resp, err := http.Post(
			publishURL,
			"application/json",
			strings.NewReader(`{"topic": "weather", "message": "hello"}`),
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed PublishResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.True(parsed.Success)
		assert.Equal("weather", parsed.Topic)
		assert.Equal(0, parsed.Recipients)
		_ = resp.Body.Close()
	}
}

func TestGatewayAPIKeyEnforcement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, _, testServer := defineGatewayTestServer(t, "ut-api-key")
	defer testServer.Close()

	publishURL := testServer.URL + "/v1/publish"
	requestBody := `{"topic": "weather", "message": "hello"}`

	// Case 0: missing API key is rejected
	{
		resp, err := http.Post(publishURL, "application/json", strings.NewReader(requestBody))
		assert.Nil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 1: wrong API key is rejected
	{
		request, err := http.NewRequest(
			"POST", publishURL, strings.NewReader(requestBody),
		)
		assert.Nil(err)
		request.Header.Set("X-Api-Key", "wrong-key")
		resp, err := http.DefaultClient.Do(request)
		assert.Nil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 2: matching API key passes
	{
		request, err := http.NewRequest(
			"POST", publishURL, strings.NewReader(requestBody),
		)
		assert.Nil(err)
		request.Header.Set("X-Api-Key", "ut-api-key")
		resp, err := http.DefaultClient.Do(request)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 3: WebSocket attach without the key is rejected before upgrade
	{
		wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/v1/connect"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store, sessionManager, testServer := defineGatewayTestServer(t, "")
	defer testServer.Close()

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/v1/connect"

	// Attach two clients
	client1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer func() { _ = client1.Close() }()
	client2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer func() { _ = client2.Close() }()

	for itr := 0; itr < 200 && sessionManager.ActiveSessions() != 2; itr++ {
		time.Sleep(time.Millisecond * 10)
	}
	assert.Equal(2, sessionManager.ActiveSessions())

	// Subscribe with differing case; both land on the same normalized topic
	{
		assert.Nil(client1.WriteJSON(
			gateway.ClientRequest{Action: "subscribe", Topic: "Weather"},
		))
		var ack gateway.ClientResponse
		assert.Nil(client1.ReadJSON(&ack))
		assert.True(ack.Success)
		assert.Nil(client2.WriteJSON(
			gateway.ClientRequest{Action: "subscribe", Topic: "weather"},
		))
		assert.Nil(client2.ReadJSON(&ack))
		assert.True(ack.Success)
		matches, err := store.ListByTopic(utCtxt, "weather")
		assert.Nil(err)
		assert.Len(matches, 2)
	}

	// Publish over REST; both clients receive the identical payload
	{
		requestBody, err := json.Marshal(&PublishRequest{Topic: "WEATHER", Message: "hello"})
		assert.Nil(err)
		resp, err := http.Post(
			testServer.URL+"/v1/publish", "application/json", bytes.NewReader(requestBody),
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed PublishResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.True(parsed.Success)
		assert.Equal("weather", parsed.Topic)
		assert.Equal(2, parsed.Recipients)
		_ = resp.Body.Close()

		_, payload, err := client1.ReadMessage()
		assert.Nil(err)
		assert.Equal([]byte("hello"), payload)
		_, payload, err = client2.ReadMessage()
		assert.Nil(err)
		assert.Equal([]byte("hello"), payload)
	}
}
