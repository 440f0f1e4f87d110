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
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
)

// zeroconfBrowser implements browser over mDNS using grandcat/zeroconf.
type zeroconfBrowser struct{}

func (*zeroconfBrowser) browse(ctx context.Context, serviceType, domain string, records chan<- serviceRecord) error {
	defer close(records)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)

	// zeroconf closes entries when ctx is done.
	if err := resolver.Browse(ctx, strings.TrimSuffix(serviceType, "."), domain, entries); err != nil {
		return fmt.Errorf("failed to browse %s: %w", serviceType, err)
	}

	for entry := range entries {
		if entry == nil {
			continue
		}

		records <- convertEntry(entry)
	}

	return nil
}

func convertEntry(entry *zeroconf.ServiceEntry) serviceRecord {
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))

	for _, ip := range entry.AddrIPv4 {
		addresses = append(addresses, ip.String())
	}

	for _, ip := range entry.AddrIPv6 {
		addresses = append(addresses, ip.String())
	}

	return serviceRecord{
		Name:      entry.Instance,
		Host:      strings.TrimSuffix(entry.HostName, "."),
		Addresses: addresses,
		Port:      entry.Port,
		TXT:       entry.Text,
		TTL:       entry.TTL,
	}
}
