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

package registry

import (
	"context"

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/storage"
	"github.com/apex/log"
)

// ConnectionRegistry manage connection records and their topic subscriptions.
// Registry instances hold no state between calls; every operation re-reads
// the backing store, so any number of gateway instances can share one store.
type ConnectionRegistry interface {
	// CreateConnection upsert a fresh record for a connection ID. A reused
	// connection ID starts over with an empty subscription list; the
	// transport's ID reuse policy means a reused ID is a new session.
	CreateConnection(ctxt context.Context, connectionID string) (bool, error)
	// DeleteConnection remove the record for a connection ID. Idempotent.
	DeleteConnection(ctxt context.Context, connectionID string) (bool, error)
	// SubscribeToTopic add a topic to a connection's subscription set. The
	// topic is matched case-insensitively and duplicates are not stored.
	// Returns false when the connection was never registered.
	SubscribeToTopic(ctxt context.Context, connectionID string, topic string) (bool, error)
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	store storage.ConnectionStore
}

// DefineConnectionRegistry create new connection registry against a store
func DefineConnectionRegistry(store storage.ConnectionStore) (ConnectionRegistry, error) {
	logTags := log.Fields{"module": "registry", "component": "connection-registry"}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
	}, nil
}

// CreateConnection upsert a fresh record for a connection ID
func (r *connectionRegistryImpl) CreateConnection(
	ctxt context.Context, connectionID string,
) (bool, error) {
	if err := common.ValidateConnectionID(connectionID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debug("Rejected connection create")
		return false, nil
	}
	acked, err := r.store.Upsert(ctxt, common.NewConnectionRecord(connectionID))
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to register connection %s", connectionID,
		)
		return false, err
	}
	log.WithFields(r.LogTags).Debugf("Registered connection %s", connectionID)
	return acked, nil
}

// DeleteConnection remove the record for a connection ID
func (r *connectionRegistryImpl) DeleteConnection(
	ctxt context.Context, connectionID string,
) (bool, error) {
	acked, err := r.store.Delete(ctxt, connectionID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to deregister connection %s", connectionID,
		)
		return false, err
	}
	log.WithFields(r.LogTags).Debugf("Deregistered connection %s", connectionID)
	return acked, nil
}

// SubscribeToTopic add a topic to a connection's subscription set.
//
// The fetch-append-update sequence is not atomic against a concurrent
// subscribe on the same connection; one of two racing additions can be lost.
// Accepted limitation of the stateless execution model. The store level
// revision guard turns the lost write into an unacknowledged result instead
// of a silent overwrite.
func (r *connectionRegistryImpl) SubscribeToTopic(
	ctxt context.Context, connectionID string, topic string,
) (bool, error) {
	if err := common.ValidateTopicName(topic); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Rejected subscribe for connection %s", connectionID,
		)
		return false, nil
	}
	record, err := r.store.GetByConnectionID(ctxt, connectionID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to fetch record of connection %s", connectionID,
		)
		return false, err
	}
	if record == nil {
		// Subscribing an unregistered connection is a normal runtime
		// condition, reported rather than raised.
		log.WithFields(r.LogTags).Infof(
			"Subscribe requested for unknown connection %s", connectionID,
		)
		return false, nil
	}
	normalized := common.NormalizeTopic(topic)
	if record.Subscribed(normalized) {
		log.WithFields(r.LogTags).Debugf(
			"Connection %s already subscribed to %s", connectionID, normalized,
		)
		return true, nil
	}
	updated := append(record.Subscriptions, normalized)
	acked, err := r.store.UpdateSubscriptions(ctxt, connectionID, updated)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to subscribe connection %s to %s", connectionID, normalized,
		)
		return false, err
	}
	log.WithFields(r.LogTags).Debugf(
		"Connection %s subscribed to %s", connectionID, normalized,
	)
	return acked, nil
}
