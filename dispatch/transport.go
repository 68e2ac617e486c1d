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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Delivery reply payloads exchanged between the requesting fan-out engine and
// the gateway instance homing the target connection.
const (
	DeliveryReplyOK   = "+OK"
	DeliveryReplyGone = "-GONE"
)

// ConnectionSubject the NATS subject on which the gateway instance homing a
// connection answers delivery requests for it
func ConnectionSubject(subjectPrefix string, connectionID string) string {
	return fmt.Sprintf("%s.connection.%s", subjectPrefix, connectionID)
}

// natsDeliverer MessageDeliverer routing payloads over NATS request/reply to
// whichever gateway instance homes the target connection. A request with no
// responders means no instance holds the socket, i.e. the recipient is gone.
type natsDeliverer struct {
	common.Component
	client         *core.NatsClient
	subjectPrefix  string
	requestTimeout time.Duration
}

// DefineNatsDeliverer create new NATS request/reply message deliverer
func DefineNatsDeliverer(
	client *core.NatsClient, subjectPrefix string, requestTimeout time.Duration,
) (MessageDeliverer, error) {
	logTags := log.Fields{"module": "dispatch", "component": "nats-deliverer"}
	return &natsDeliverer{
		Component:      common.Component{LogTags: logTags},
		client:         client,
		subjectPrefix:  subjectPrefix,
		requestTimeout: requestTimeout,
	}, nil
}

// SendTo deliver a payload to one connection via its delivery subject
func (d *natsDeliverer) SendTo(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	subject := ConnectionSubject(d.subjectPrefix, connectionID)
	useContext, cancel := context.WithTimeout(ctxt, d.requestTimeout)
	defer cancel()
	reply, err := d.client.NATs().RequestWithContext(useContext, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no responder on %s: %w", subject, ErrRecipientGone)
		}
		log.WithError(err).WithFields(d.LogTags).Errorf("Request on %s failed", subject)
		return err
	}
	switch string(reply.Data) {
	case DeliveryReplyOK:
		return nil
	case DeliveryReplyGone:
		return fmt.Errorf("responder on %s reported: %w", subject, ErrRecipientGone)
	default:
		return fmt.Errorf("responder on %s replied %s", subject, reply.Data)
	}
}
