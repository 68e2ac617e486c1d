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

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/registry"
	"github.com/alwitt/wspubsub/storage"
	"github.com/apex/log"
)

// ErrRecipientGone delivery channel signal that the target connection no
// longer exists. The fan-out engine prunes the matching registry record when
// it sees this; any other delivery error is logged and skipped.
var ErrRecipientGone = errors.New("recipient connection is gone")

// MessageDeliverer the push-delivery channel for reaching one live
// connection. SendTo has a closed set of outcomes: nil for delivered,
// ErrRecipientGone (match with errors.Is) for a permanently gone target, and
// anything else for a transient failure.
type MessageDeliverer interface {
	SendTo(ctxt context.Context, connectionID string, payload []byte) error
}

// FanoutResult outcome of one publish. Per-recipient delivery failures are
// invisible here; publishing is best-effort.
type FanoutResult struct {
	// Topic is the normalized topic the publish resolved against
	Topic string `json:"topic"`
	// Recipients is the number of subscribed connections found
	Recipients int `json:"recipients"`
}

// FanoutEngine broadcast published payloads to every subscribed connection
type FanoutEngine interface {
	// Publish deliver a payload to all connections subscribed to a topic
	Publish(ctxt context.Context, topic string, payload []byte) (FanoutResult, error)
}

// fanoutEngineImpl implements FanoutEngine
type fanoutEngineImpl struct {
	common.Component
	store     storage.ConnectionStore
	registry  registry.ConnectionRegistry
	deliverer MessageDeliverer
}

// DefineFanoutEngine create new publish fan-out engine
func DefineFanoutEngine(
	store storage.ConnectionStore,
	reg registry.ConnectionRegistry,
	deliverer MessageDeliverer,
) (FanoutEngine, error) {
	logTags := log.Fields{"module": "dispatch", "component": "fanout-engine"}
	return &fanoutEngineImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		registry:  reg,
		deliverer: deliverer,
	}, nil
}

// Publish deliver a payload to all connections subscribed to a topic. The
// payload reaches every recipient byte-identical. Delivery is sequential and
// one recipient's failure never aborts the remainder of the batch.
func (e *fanoutEngineImpl) Publish(
	ctxt context.Context, topic string, payload []byte,
) (FanoutResult, error) {
	if err := common.ValidateTopicName(topic); err != nil {
		log.WithError(err).WithFields(e.LogTags).Debug("Rejected publish")
		return FanoutResult{}, err
	}
	normalized := common.NormalizeTopic(topic)
	records, err := e.store.ListByTopic(ctxt, normalized)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Failed to resolve subscribers of %s", normalized,
		)
		return FanoutResult{}, err
	}
	log.WithFields(e.LogTags).Debugf(
		"Topic %s resolved %d subscribers", normalized, len(records),
	)
	for _, record := range records {
		if err := e.deliverer.SendTo(ctxt, record.ConnectionID, payload); err != nil {
			if errors.Is(err, ErrRecipientGone) {
				// Self-healing prune. The delete outcome stays local; the
				// publisher never sees it.
				log.WithFields(e.LogTags).Infof(
					"Pruning gone connection %s", record.ConnectionID,
				)
				if _, err := e.registry.DeleteConnection(ctxt, record.ConnectionID); err != nil {
					log.WithError(err).WithFields(e.LogTags).Errorf(
						"Failed to prune connection %s", record.ConnectionID,
					)
				}
				continue
			}
			log.WithError(err).WithFields(e.LogTags).Errorf(
				"Delivery to %s failed", record.ConnectionID,
			)
			continue
		}
		log.WithFields(e.LogTags).Debugf("Delivered to %s", record.ConnectionID)
	}
	return FanoutResult{Topic: normalized, Recipients: len(records)}, nil
}
