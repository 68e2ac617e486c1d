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
	"fmt"
	"strings"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// NormalizeTopic convert a topic name into its canonical lower-case form
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// ValidateTopicName verify a topic name is usable. The check operates on the
// raw client supplied string, so a whitespace-only name does not pass.
func ValidateTopicName(topic string) error {
	if len(strings.TrimSpace(topic)) == 0 {
		return fmt.Errorf("topic name is empty")
	}
	return nil
}

// ValidateConnectionID verify a connection ID is usable
func ValidateConnectionID(connectionID string) error {
	if len(strings.TrimSpace(connectionID)) == 0 {
		return fmt.Errorf("connection ID is empty")
	}
	return nil
}
