/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package handheld

import (
	"time"

	"github.com/carverauto/giro-handheld/pkg/conn"
	"github.com/carverauto/giro-handheld/pkg/discovery"
	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
	"github.com/carverauto/giro-handheld/pkg/queue"
)

const (
	// DefaultPort is the port the desktop companion listens on when its
	// advertisement carries none.
	DefaultPort = 3847

	defaultStoragePath = "/var/lib/giro-handheld/handheld.db"
	defaultHistoryMax  = 10
)

// Config is the top-level configuration for the handheld service.
type Config struct {
	// ServiceType is the mDNS service type the desktop advertises under.
	ServiceType string `json:"service_type"`
	// Domain is the mDNS browse domain.
	Domain string `json:"domain"`
	// DefaultPort fills in for advertisements without a port.
	DefaultPort int `json:"default_port"`
	// DiscoveryTimeout bounds a one-shot discovery pass.
	DiscoveryTimeout models.Duration `json:"discovery_timeout"`
	// StoragePath locates the durable key-value store on disk.
	StoragePath string `json:"storage_path"`
	// HistoryMax bounds the remembered-endpoint list.
	HistoryMax int `json:"history_max"`

	Conn    conn.Config    `json:"conn"`
	Queue   queue.Config   `json:"queue"`
	Logging *logger.Config `json:"logging,omitempty"`
}

// Validate implements config.Validator; unset fields get documented
// defaults.
func (c *Config) Validate() error {
	if c.ServiceType == "" {
		c.ServiceType = discovery.DefaultServiceType
	}

	if c.Domain == "" {
		c.Domain = discovery.DefaultDomain
	}

	if c.DefaultPort <= 0 {
		c.DefaultPort = DefaultPort
	}

	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = models.Duration(10 * time.Second)
	}

	if c.StoragePath == "" {
		c.StoragePath = defaultStoragePath
	}

	if c.HistoryMax <= 0 {
		c.HistoryMax = defaultHistoryMax
	}

	if err := c.Conn.Validate(); err != nil {
		return err
	}

	if err := c.Queue.Validate(); err != nil {
		return err
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	return nil
}
