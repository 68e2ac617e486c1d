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

package storage

import (
	"context"

	"github.com/alwitt/wspubsub/common"
)

// ConnectionStore durable keyed storage for connection records. All mutation
// is expressed as single-record operations; there are no multi-record
// transactions.
type ConnectionStore interface {
	// Upsert replace the record whose ConnectionID matches, or insert if none
	// exists. The returned bool is the store's acknowledgement.
	Upsert(ctxt context.Context, record common.ConnectionRecord) (bool, error)
	// GetByConnectionID fetch the record for a connection ID. Returns nil
	// without error when no record exists.
	GetByConnectionID(ctxt context.Context, connectionID string) (*common.ConnectionRecord, error)
	// ListByTopic fetch all records whose subscription list contains a topic.
	// The membership test is exact string equality; the caller normalizes the
	// topic before querying.
	ListByTopic(ctxt context.Context, topic string) ([]common.ConnectionRecord, error)
	// UpdateSubscriptions replace only the subscription list of a record.
	// Returns false without error when the record no longer exists.
	UpdateSubscriptions(
		ctxt context.Context, connectionID string, subscriptions []string,
	) (bool, error)
	// Delete remove the record for a connection ID. Deleting an absent record
	// is acknowledged as a no-op.
	Delete(ctxt context.Context, connectionID string) (bool, error)
	// Close release the store driver
	Close() error
}
