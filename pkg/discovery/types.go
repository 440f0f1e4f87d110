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

package discovery

import (
	"context"
	"time"

	"github.com/carverauto/giro-handheld/pkg/models"
)

const (
	// DefaultServiceType is the well-known advertisement type of the
	// desktop companion.
	DefaultServiceType = "_giro._tcp."
	// DefaultDomain is the mDNS browse domain.
	DefaultDomain = "local."
	// DefaultTimeout bounds a one-shot Discover pass.
	DefaultTimeout = 10 * time.Second
)

// Config carries the discovery defaults supplied at construction.
type Config struct {
	ServiceType string          `json:"service_type"`
	Domain      string          `json:"domain"`
	Timeout     models.Duration `json:"timeout"`
}

// Options tune a single discovery pass. Zero values fall back to Config.
type Options struct {
	ServiceType string
	Timeout     time.Duration
}

// serviceRecord is the raw resolution event produced by the underlying
// advertisement protocol. TTL zero is a goodbye (loss) announcement.
type serviceRecord struct {
	Name      string
	Host      string
	Addresses []string
	Port      int
	TXT       []string
	TTL       uint32
}

// browser abstracts the local-service-advertisement protocol so tests can
// inject resolution events. browse blocks until ctx is done or a fatal
// protocol error occurs, and always closes records before returning.
type browser interface {
	browse(ctx context.Context, serviceType, domain string, records chan<- serviceRecord) error
}
