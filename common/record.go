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
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ConnectionRecord represents one live client connection and its topic
// subscriptions. The record's presence in the store is the sole signal that
// the connection should receive published messages.
type ConnectionRecord struct {
	// ConnectionID is the transport assigned identifier for the connection
	ConnectionID string `json:"connection_id" validate:"required"`
	// Subscriptions lists the topics this connection subscribed to. Entries
	// are stored lower-cased, and the list never holds two entries which are
	// equal under case-insensitive comparison.
	Subscriptions []string `json:"subscriptions"`
	// Revision is a store assigned revision marker. Business logic never
	// reads it; the store uses it to guard targeted updates.
	Revision int64 `json:"-"`
}

// NewConnectionRecord define a fresh connection record with no subscriptions
func NewConnectionRecord(connectionID string) ConnectionRecord {
	return ConnectionRecord{ConnectionID: connectionID, Subscriptions: []string{}}
}

// Subscribed check whether the record already carries a topic. The input is
// expected in its canonical lower-case form.
func (r ConnectionRecord) Subscribed(normalizedTopic string) bool {
	for _, topic := range r.Subscriptions {
		if topic == normalizedTopic {
			return true
		}
	}
	return false
}

// Scan implements the sql.Scanner interface
func (r *ConnectionRecord) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r ConnectionRecord) Value() (driver.Value, error) {
	return json.Marshal(&r)
}
