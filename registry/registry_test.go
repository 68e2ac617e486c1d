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
	"fmt"
	"testing"

	"github.com/alwitt/wspubsub/common"
	"github.com/alwitt/wspubsub/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// instrumentedStore wraps a ConnectionStore and counts its write traffic
type instrumentedStore struct {
	storage.ConnectionStore
	upsertCalls int
	updateCalls int
	deleteCalls int
}

func (s *instrumentedStore) Upsert(
	ctxt context.Context, record common.ConnectionRecord,
) (bool, error) {
	s.upsertCalls++
	return s.ConnectionStore.Upsert(ctxt, record)
}

func (s *instrumentedStore) UpdateSubscriptions(
	ctxt context.Context, connectionID string, subscriptions []string,
) (bool, error) {
	s.updateCalls++
	return s.ConnectionStore.UpdateSubscriptions(ctxt, connectionID, subscriptions)
}

func (s *instrumentedStore) Delete(
	ctxt context.Context, connectionID string,
) (bool, error) {
	s.deleteCalls++
	return s.ConnectionStore.Delete(ctxt, connectionID)
}

// failingStore reports a store fault on every operation
type failingStore struct {
	storage.ConnectionStore
}

func (s *failingStore) Upsert(
	ctxt context.Context, record common.ConnectionRecord,
) (bool, error) {
	return false, fmt.Errorf("dummy store failure")
}

func TestRegistryCreateConnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := &instrumentedStore{ConnectionStore: storage.CreateMemoryConnectionStore()}
	uut, err := DefineConnectionRegistry(store)
	assert.Nil(err)

	// Case 0: empty and whitespace-only connection IDs are rejected locally
	{
		ok, err := uut.CreateConnection(utCtxt, "")
		assert.Nil(err)
		assert.False(ok)
		ok, err = uut.CreateConnection(utCtxt, "   ")
		assert.Nil(err)
		assert.False(ok)
		assert.Equal(0, store.upsertCalls)
	}

	// Case 1: create a connection
	{
		ok, err := uut.CreateConnection(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.True(ok)
		record, err := store.GetByConnectionID(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.NotNil(record)
		assert.Equal("ut-conn-0", record.ConnectionID)
		assert.Empty(record.Subscriptions)
	}

	// Case 2: create is idempotent, and a reused ID starts over with no
	// subscriptions
	{
		ok, err := uut.SubscribeToTopic(utCtxt, "ut-conn-0", "weather")
		assert.Nil(err)
		assert.True(ok)
		ok, err = uut.CreateConnection(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.True(ok)
		record, err := store.GetByConnectionID(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.NotNil(record)
		assert.Empty(record.Subscriptions)
	}

	// Case 3: store faults surface to the caller
	{
		uut, err := DefineConnectionRegistry(
			&failingStore{ConnectionStore: storage.CreateMemoryConnectionStore()},
		)
		assert.Nil(err)
		ok, err := uut.CreateConnection(utCtxt, "ut-conn-1")
		assert.NotNil(err)
		assert.False(ok)
	}
}

func TestRegistrySubscribeToTopic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := &instrumentedStore{ConnectionStore: storage.CreateMemoryConnectionStore()}
	uut, err := DefineConnectionRegistry(store)
	assert.Nil(err)

	// Case 0: empty and whitespace-only topics are rejected locally
	{
		ok, err := uut.SubscribeToTopic(utCtxt, "ut-conn-0", "")
		assert.Nil(err)
		assert.False(ok)
		ok, err = uut.SubscribeToTopic(utCtxt, "ut-conn-0", " \t ")
		assert.Nil(err)
		assert.False(ok)
		assert.Equal(0, store.updateCalls)
	}

	// Case 1: subscribing an unregistered connection reports failure without
	// creating a record
	{
		ok, err := uut.SubscribeToTopic(utCtxt, "ut-conn-0", "weather")
		assert.Nil(err)
		assert.False(ok)
		record, err := store.GetByConnectionID(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.Nil(record)
	}

	// Case 2: topics are normalized to lower-case and de-duplicated
	{
		ok, err := uut.CreateConnection(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.True(ok)
		ok, err = uut.SubscribeToTopic(utCtxt, "ut-conn-0", "Science")
		assert.Nil(err)
		assert.True(ok)
		writesAfterFirst := store.updateCalls
		ok, err = uut.SubscribeToTopic(utCtxt, "ut-conn-0", "science")
		assert.Nil(err)
		assert.True(ok)
		// the duplicate subscribe succeeded without another write
		assert.Equal(writesAfterFirst, store.updateCalls)
		record, err := store.GetByConnectionID(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.NotNil(record)
		assert.Equal([]string{"science"}, record.Subscriptions)
	}

	// Case 3: multiple distinct topics accumulate
	{
		ok, err := uut.SubscribeToTopic(utCtxt, "ut-conn-0", "Weather")
		assert.Nil(err)
		assert.True(ok)
		record, err := store.GetByConnectionID(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.NotNil(record)
		assert.Equal([]string{"science", "weather"}, record.Subscriptions)
	}
}

func TestRegistryDeleteConnection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store := &instrumentedStore{ConnectionStore: storage.CreateMemoryConnectionStore()}
	uut, err := DefineConnectionRegistry(store)
	assert.Nil(err)

	// Case 0: deleting an absent connection is still acknowledged
	{
		ok, err := uut.DeleteConnection(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.True(ok)
	}

	// Case 1: a deleted connection can no longer subscribe
	{
		ok, err := uut.CreateConnection(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.True(ok)
		ok, err = uut.DeleteConnection(utCtxt, "ut-conn-0")
		assert.Nil(err)
		assert.True(ok)
		ok, err = uut.SubscribeToTopic(utCtxt, "ut-conn-0", "weather")
		assert.Nil(err)
		assert.False(ok)
	}
}
