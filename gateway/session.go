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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/core"
	"github.com/alwitt/wspubsub/dispatch"
	"github.com/alwitt/wspubsub/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// ClientRequest one inbound WebSocket frame from a client
type ClientRequest struct {
	// Action is the requested operation
	Action string `json:"action" validate:"required,oneof=subscribe publish"`
	// Topic is the topic name the operation applies to
	Topic string `json:"topic,omitempty"`
	// Message is the payload to publish. Only used by the publish action.
	Message string `json:"message,omitempty"`
}

// ClientResponse the ack frame sent back for one client request
type ClientResponse struct {
	// Action echoes the requested operation
	Action string `json:"action"`
	// Success whether the operation was accepted
	Success bool `json:"success"`
	// Topic echoes the topic the operation applied to
	Topic string `json:"topic,omitempty"`
	// Recipients is the subscriber count resolved by a publish
	Recipients *int `json:"recipients,omitempty"`
}

// SessionConfig WebSocket session timing parameters
type SessionConfig struct {
	// WriteTimeout max duration of one socket write
	WriteTimeout time.Duration
	// IdleTimeout max duration without traffic before the session is dead
	IdleTimeout time.Duration
	// MaxMessageSize max inbound frame size in bytes
	MaxMessageSize int64
}

// SessionManager owns the live WebSocket sessions of one gateway instance.
// It doubles as the local push-delivery channel: SendTo reaches a connection
// homed on this instance, and reports ErrRecipientGone for any other ID.
type SessionManager interface {
	// RunSession operate one WebSocket session until the client leaves. The
	// call registers the connection, serves its inbound frames, and cleans
	// the registry back up on exit.
	RunSession(ctxt context.Context, conn *websocket.Conn, engine dispatch.FanoutEngine)
	// SendTo deliver a payload to a locally homed connection
	SendTo(ctxt context.Context, connectionID string, payload []byte) error
	// ActiveSessions number of sessions currently homed on this instance
	ActiveSessions() int
}

// session one live WebSocket connection
type session struct {
	connectionID string
	conn         *websocket.Conn
	writeLock    sync.Mutex
	responder    *nats.Subscription
}

// sessionManagerImpl implements SessionManager
type sessionManagerImpl struct {
	common.Component
	cfg           SessionConfig
	registry      registry.ConnectionRegistry
	natsClient    *core.NatsClient
	subjectPrefix string
	validate      *validator.Validate
	sessions      map[string]*session
	lock          sync.RWMutex
}

// DefineSessionManager create new WebSocket session manager. When natsClient
// is given, each session also answers delivery requests on its connection
// subject so other gateway instances can reach it.
func DefineSessionManager(
	cfg SessionConfig,
	reg registry.ConnectionRegistry,
	natsClient *core.NatsClient,
	subjectPrefix string,
) (SessionManager, error) {
	logTags := log.Fields{"module": "gateway", "component": "session-manager"}
	return &sessionManagerImpl{
		Component:     common.Component{LogTags: logTags},
		cfg:           cfg,
		registry:      reg,
		natsClient:    natsClient,
		subjectPrefix: subjectPrefix,
		validate:      validator.New(),
		sessions:      make(map[string]*session),
	}, nil
}

// ActiveSessions number of sessions currently homed on this instance
func (m *sessionManagerImpl) ActiveSessions() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.sessions)
}

// SendTo deliver a payload to a locally homed connection
func (m *sessionManagerImpl) SendTo(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	m.lock.RLock()
	target, ok := m.sessions[connectionID]
	m.lock.RUnlock()
	if !ok {
		return fmt.Errorf(
			"connection %s not homed on this instance: %w",
			connectionID,
			dispatch.ErrRecipientGone,
		)
	}
	if err := target.write(websocket.TextMessage, payload, m.cfg.WriteTimeout); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("connection %s closing: %w", connectionID, dispatch.ErrRecipientGone)
		}
		return err
	}
	return nil
}

// write send one frame down the socket. Serialized per session as gorilla
// permits only one concurrent writer.
func (s *session) write(messageType int, payload []byte, timeout time.Duration) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, payload)
}

// RunSession operate one WebSocket session until the client leaves
func (m *sessionManagerImpl) RunSession(
	ctxt context.Context, conn *websocket.Conn, engine dispatch.FanoutEngine,
) {
	connectionID := uuid.New().String()
	logTags := log.Fields{}
	for lt, lv := range m.LogTags {
		logTags[lt] = lv
	}
	logTags["connection"] = connectionID

	registered, err := m.registry.CreateConnection(ctxt, connectionID)
	if err != nil || !registered {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		_ = conn.Close()
		return
	}
	newSession := &session{connectionID: connectionID, conn: conn}
	if err := m.attachSession(newSession); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach session")
		m.deregister(connectionID, logTags)
		_ = conn.Close()
		return
	}
	log.WithFields(logTags).Info("Session established")

	defer func() {
		m.detachSession(newSession)
		m.deregister(connectionID, logTags)
		_ = conn.Close()
		log.WithFields(logTags).Info("Session closed")
	}()

	// Keep-alive probing
	pingDone := make(chan bool, 1)
	defer func() { pingDone <- true }()
	go m.runPingLoop(newSession, pingDone, logTags)

	conn.SetReadLimit(m.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Info("Session read failed")
			}
			return
		}
		m.processClientRequest(ctxt, newSession, engine, frame, logTags)
	}
}

// processClientRequest handle one inbound client frame
func (m *sessionManagerImpl) processClientRequest(
	ctxt context.Context,
	s *session,
	engine dispatch.FanoutEngine,
	frame []byte,
	logTags log.Fields,
) {
	var request ClientRequest
	if err := json.Unmarshal(frame, &request); err != nil {
		log.WithError(err).WithFields(logTags).Info("Discarding unparsable frame")
		m.sendResponse(s, ClientResponse{Action: "error"}, logTags)
		return
	}
	if err := m.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(logTags).Info("Discarding invalid request")
		m.sendResponse(s, ClientResponse{Action: request.Action}, logTags)
		return
	}
	switch request.Action {
	case "subscribe":
		ok, err := m.registry.SubscribeToTopic(ctxt, s.connectionID, request.Topic)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Subscribe to %s failed", request.Topic,
			)
		}
		m.sendResponse(s, ClientResponse{
			Action: request.Action, Success: ok && err == nil, Topic: request.Topic,
		}, logTags)
	case "publish":
		if len(request.Message) == 0 {
			log.WithFields(logTags).Info("Discarding publish with no message")
			m.sendResponse(
				s, ClientResponse{Action: request.Action, Topic: request.Topic}, logTags,
			)
			return
		}
		result, err := engine.Publish(ctxt, request.Topic, []byte(request.Message))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Publish to %s failed", request.Topic,
			)
			m.sendResponse(
				s, ClientResponse{Action: request.Action, Topic: request.Topic}, logTags,
			)
			return
		}
		m.sendResponse(s, ClientResponse{
			Action:     request.Action,
			Success:    true,
			Topic:      result.Topic,
			Recipients: &result.Recipients,
		}, logTags)
	}
}

// sendResponse send an ack frame back to the client
func (m *sessionManagerImpl) sendResponse(
	s *session, response ClientResponse, logTags log.Fields,
) {
	serialized, err := json.Marshal(&response)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize response")
		return
	}
	if err := s.write(websocket.TextMessage, serialized, m.cfg.WriteTimeout); err != nil {
		log.WithError(err).WithFields(logTags).Info("Unable to send response")
	}
}

// runPingLoop probe the client until the session ends
func (m *sessionManagerImpl) runPingLoop(s *session, done chan bool, logTags log.Fields) {
	pingInterval := m.cfg.IdleTimeout * 3 / 4
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil, m.cfg.WriteTimeout); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Ping failed")
				return
			}
		}
	}
}

// attachSession track a new session, and bind its delivery responder
func (m *sessionManagerImpl) attachSession(s *session) error {
	if m.natsClient != nil {
		subject := dispatch.ConnectionSubject(m.subjectPrefix, s.connectionID)
		responder, err := m.natsClient.NATs().Subscribe(subject, func(msg *nats.Msg) {
			m.answerDeliveryRequest(s.connectionID, msg)
		})
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to bind responder on %s", subject,
			)
			return err
		}
		s.responder = responder
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sessions[s.connectionID] = s
	return nil
}

// answerDeliveryRequest handle one delivery request aimed at a local session
func (m *sessionManagerImpl) answerDeliveryRequest(connectionID string, msg *nats.Msg) {
	err := m.SendTo(context.Background(), connectionID, msg.Data)
	switch {
	case err == nil:
		_ = msg.Respond([]byte(dispatch.DeliveryReplyOK))
	case errors.Is(err, dispatch.ErrRecipientGone):
		_ = msg.Respond([]byte(dispatch.DeliveryReplyGone))
	default:
		_ = msg.Respond([]byte(fmt.Sprintf("-ERR %s", err)))
	}
}

// detachSession stop tracking a session, and release its delivery responder
func (m *sessionManagerImpl) detachSession(s *session) {
	m.lock.Lock()
	delete(m.sessions, s.connectionID)
	m.lock.Unlock()
	if s.responder != nil {
		if err := s.responder.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to release responder of %s", s.connectionID,
			)
		}
	}
}

// deregister drop the connection's registry record on session exit
func (m *sessionManagerImpl) deregister(connectionID string, logTags log.Fields) {
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if _, err := m.registry.DeleteConnection(useContext, connectionID); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to deregister connection")
	}
}
