// Copyright 2025 Tom Barlow
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

package httpclient

import (
	"fmt"
	"log/slog"
	"time"
)

// Config configures the pooled client used to reach backend servers.
type Config struct {
	// Timeout bounds a whole exchange. Per-request deadlines carried on the
	// context are usually shorter and win.
	Timeout time.Duration

	// UserAgent is set on every request that does not already carry one.
	UserAgent string

	// MaxIdleConnsPerHost caps idle keep-alive connections per backend.
	MaxIdleConnsPerHost int

	// Logger receives one record per exchange. Nil uses slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a Config suitable for proxying to a handful of backends.
func DefaultConfig() Config {
	return Config{
		Timeout:             120 * time.Second,
		UserAgent:           "mcpgateway/1.0",
		MaxIdleConnsPerHost: 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent must not be empty")
	}
	if c.MaxIdleConnsPerHost < 0 {
		return fmt.Errorf("max idle conns per host must be non-negative, got %d", c.MaxIdleConnsPerHost)
	}
	return nil
}
