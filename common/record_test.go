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

package common

import (
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTopicNormalization(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: canonical form is trimmed and lower-cased
	assert.Equal("weather", NormalizeTopic("Weather"))
	assert.Equal("weather", NormalizeTopic("  WEATHER "))
	assert.Equal("weather", NormalizeTopic("weather"))

	// Case 1: blank names are rejected before normalization
	assert.NotNil(ValidateTopicName(""))
	assert.NotNil(ValidateTopicName("   "))
	assert.NotNil(ValidateTopicName("\t\n"))
	assert.Nil(ValidateTopicName("Weather"))

	// Case 2: same rules for connection IDs
	assert.NotNil(ValidateConnectionID(""))
	assert.NotNil(ValidateConnectionID("  "))
	assert.Nil(ValidateConnectionID("conn-0"))
}

func TestConnectionRecord(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: fresh record carries no subscriptions
	uut := NewConnectionRecord("conn-0")
	assert.Equal("conn-0", uut.ConnectionID)
	assert.Empty(uut.Subscriptions)
	assert.False(uut.Subscribed("weather"))

	// Case 1: membership check is exact match over stored entries
	uut.Subscriptions = append(uut.Subscriptions, "weather")
	assert.True(uut.Subscribed("weather"))
	assert.False(uut.Subscribed("Weather"))
	assert.False(uut.Subscribed("science"))

	// Case 2: the revision marker stays out of the serialized form
	serialized, err := uut.Value()
	assert.Nil(err)
	var parsed ConnectionRecord
	assert.Nil(parsed.Scan(serialized.([]byte)))
	assert.Equal("conn-0", parsed.ConnectionID)
	assert.Equal([]string{"weather"}, parsed.Subscriptions)
	assert.Equal(int64(0), parsed.Revision)
}
