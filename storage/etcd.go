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
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/wspubsub/common"
	"github.com/apex/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdConnectionStore driver for keeping connection records in etcd
type etcdConnectionStore struct {
	common.Component
	client    *clientv3.Client
	keyPrefix string
}

// CreateEtcdConnectionStore define an etcd backed connection record store.
// Records live as JSON under "<keyPrefix>/connections/<connection-id>".
func CreateEtcdConnectionStore(
	servers []string, dialTimeout time.Duration, keyPrefix string,
) (ConnectionStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   servers,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", servers)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "etcd-connection-store"}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", servers)
	return &etcdConnectionStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

func (d *etcdConnectionStore) recordKey(connectionID string) string {
	return fmt.Sprintf("%s/connections/%s", d.keyPrefix, connectionID)
}

func (d *etcdConnectionStore) recordKeySpace() string {
	return fmt.Sprintf("%s/connections/", d.keyPrefix)
}

// Upsert replace-or-insert the record for its connection ID. A single PUT per
// key, so there is no match-then-write race for the same connection ID.
func (d *etcdConnectionStore) Upsert(
	ctxt context.Context, record common.ConnectionRecord,
) (bool, error) {
	toStore, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize record for storage")
		return false, err
	}
	key := d.recordKey(record.ConnectionID)
	resp, err := d.client.Put(ctxt, key, string(toStore))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to UPSERT %s", key)
		return false, err
	}
	log.WithFields(d.LogTags).Debugf("UPSERT %s@%d", key, resp.Header.Revision)
	return true, nil
}

// GetByConnectionID fetch one record. Absence is not an error.
func (d *etcdConnectionStore) GetByConnectionID(
	ctxt context.Context, connectionID string,
) (*common.ConnectionRecord, error) {
	key := d.recordKey(connectionID)
	resp, err := d.client.Get(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", key)
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var record common.ConnectionRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to parse record %s", key)
		return nil, err
	}
	record.Revision = resp.Kvs[0].ModRevision
	return &record, nil
}

// ListByTopic fetch all records subscribed to a topic. The topic membership
// filter runs client side over the connection key space.
func (d *etcdConnectionStore) ListByTopic(
	ctxt context.Context, topic string,
) ([]common.ConnectionRecord, error) {
	keySpace := d.recordKeySpace()
	resp, err := d.client.Get(ctxt, keySpace, clientv3.WithPrefix())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to LIST %s", keySpace)
		return nil, err
	}
	matches := []common.ConnectionRecord{}
	for _, kv := range resp.Kvs {
		var record common.ConnectionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Unable to parse record %s", string(kv.Key),
			)
			return nil, err
		}
		if record.Subscribed(topic) {
			record.Revision = kv.ModRevision
			matches = append(matches, record)
		}
	}
	log.WithFields(d.LogTags).Debugf("LIST %s matched %d records", topic, len(matches))
	return matches, nil
}

// UpdateSubscriptions replace only the subscription list of a record. The
// write is guarded on the revision seen at read time, so it can not resurrect
// a record deleted in between; a lost guard reports an unacknowledged update.
func (d *etcdConnectionStore) UpdateSubscriptions(
	ctxt context.Context, connectionID string, subscriptions []string,
) (bool, error) {
	current, err := d.GetByConnectionID(ctxt, connectionID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	updated := *current
	updated.Subscriptions = subscriptions
	toStore, err := json.Marshal(&updated)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize record for storage")
		return false, err
	}
	key := d.recordKey(connectionID)
	resp, err := d.client.Txn(ctxt).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", current.Revision)).
		Then(clientv3.OpPut(key, string(toStore))).
		Commit()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to UPDATE %s", key)
		return false, err
	}
	if !resp.Succeeded {
		log.WithFields(d.LogTags).Warnf("UPDATE %s lost its revision guard", key)
	}
	return resp.Succeeded, nil
}

// Delete remove the record for a connection ID. A delete matching no record
// is still acknowledged.
func (d *etcdConnectionStore) Delete(
	ctxt context.Context, connectionID string,
) (bool, error) {
	key := d.recordKey(connectionID)
	resp, err := d.client.Delete(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DELETE %s", key)
		return false, err
	}
	log.WithFields(d.LogTags).Debugf("Deleted %d instances of %s", resp.Deleted, key)
	return true, nil
}

// Close close etcd storage driver
func (d *etcdConnectionStore) Close() error {
	if err := d.client.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}
