// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"time"

	rabbitmqTransport "github.com/glimte/mmate-amqp/transports/rabbitmq"
)

// Dial parses connectionString, creates a Connection and connects it. When
// the first attempt fails and no loss handler is registered, the failure is
// returned together with the unopened Connection so callers can still
// schedule reconnects on it.
func Dial(ctx context.Context, connectionString string, options ...Option) (*Connection, error) {
	settings, err := ParseURL(connectionString)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(settings, options...)
	if err := conn.Connect(ctx); err != nil {
		return conn, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(connectionString),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	return conn, nil
}

// ParseURL parses an amqp:// or amqps:// connection string.
func ParseURL(connectionString string) (Settings, error) {
	settings, err := rabbitmqTransport.ParseURL(connectionString)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return settings, nil
}
