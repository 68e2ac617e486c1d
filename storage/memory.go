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
	"sync"

	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
)

// memoryConnectionStore in-process connection record store. Meant for
// single-node operation and unit testing; a multi-instance deployment uses
// the etcd driver.
type memoryConnectionStore struct {
	common.Component
	records  map[string]common.ConnectionRecord
	revision int64
	lock     sync.RWMutex
}

// CreateMemoryConnectionStore define an in-memory connection record store
func CreateMemoryConnectionStore() ConnectionStore {
	logTags := log.Fields{"module": "storage", "component": "memory-connection-store"}
	return &memoryConnectionStore{
		Component: common.Component{LogTags: logTags},
		records:   make(map[string]common.ConnectionRecord),
	}
}

// Upsert replace-or-insert the record for its connection ID
func (d *memoryConnectionStore) Upsert(
	ctxt context.Context, record common.ConnectionRecord,
) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.revision++
	record.Revision = d.revision
	d.records[record.ConnectionID] = record
	log.WithFields(d.LogTags).Debugf("UPSERT %s@%d", record.ConnectionID, record.Revision)
	return true, nil
}

// GetByConnectionID fetch one record. Absence is not an error.
func (d *memoryConnectionStore) GetByConnectionID(
	ctxt context.Context, connectionID string,
) (*common.ConnectionRecord, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	record, ok := d.records[connectionID]
	if !ok {
		return nil, nil
	}
	copied := record
	copied.Subscriptions = append([]string{}, record.Subscriptions...)
	return &copied, nil
}

// ListByTopic fetch all records subscribed to a topic
func (d *memoryConnectionStore) ListByTopic(
	ctxt context.Context, topic string,
) ([]common.ConnectionRecord, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	matches := []common.ConnectionRecord{}
	for _, record := range d.records {
		if record.Subscribed(topic) {
			copied := record
			copied.Subscriptions = append([]string{}, record.Subscriptions...)
			matches = append(matches, copied)
		}
	}
	return matches, nil
}

// UpdateSubscriptions replace only the subscription list of a record
func (d *memoryConnectionStore) UpdateSubscriptions(
	ctxt context.Context, connectionID string, subscriptions []string,
) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	record, ok := d.records[connectionID]
	if !ok {
		return false, nil
	}
	d.revision++
	record.Subscriptions = append([]string{}, subscriptions...)
	record.Revision = d.revision
	d.records[connectionID] = record
	return true, nil
}

// Delete remove the record for a connection ID. A delete matching no record
// is still acknowledged.
func (d *memoryConnectionStore) Delete(
	ctxt context.Context, connectionID string,
) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.records, connectionID)
	return true, nil
}

// Close release the store
func (d *memoryConnectionStore) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.records = make(map[string]common.ConnectionRecord)
	return nil
}
