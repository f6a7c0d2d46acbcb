// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/detonator-project/detonator/pkg/agent"
)

// NetworkCollector observes guest traffic through tcpdump, filtered to the
// ports malware beacons actually use: DNS, HTTP, HTTPS and the common
// 8080 alternative.
type NetworkCollector struct {
	toolCollector

	events []agent.NetworkEvent
}

// NewNetworkCollector returns an idle collector.
func NewNetworkCollector() *NetworkCollector {
	return &NetworkCollector{toolCollector: toolCollector{name: "tcpdump"}}
}

// Start begins capturing.
func (nc *NetworkCollector) Start() {
	argv := []string{
		"tcpdump", "-l", "-n", "-q", "-i", "any",
		"port 53 or port 80 or port 443 or port 8080",
	}
	nc.start(argv, false, nc.parseLine)
}

// Stop terminates the capture.
func (nc *NetworkCollector) Stop() {
	nc.stop()
}

// Events returns the collected network events.
func (nc *NetworkCollector) Events() []agent.NetworkEvent {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return append([]agent.NetworkEvent(nil), nc.events...)
}

// dnsQueryRegexp extracts the queried name from a DNS question line.
var dnsQueryRegexp = regexp.MustCompile(`\?\s*([A-Za-z0-9][-A-Za-z0-9.]*\.[A-Za-z]+)`)

// parseLine handles one tcpdump line, e.g.
//
//	12:34:56.123456 IP 10.0.2.15.51110 > 142.250.74.110.443: tcp 0
//
// The source and destination are the tokens around ">"; the destination
// port is the suffix after the last dot.  DNS question lines additionally
// yield an event carrying the queried hostname as the destination.
func (nc *NetworkCollector) parseLine(line string) {
	fields := strings.Fields(line)

	arrow := -1
	for i, f := range fields {
		if f == ">" {
			arrow = i
			break
		}
	}
	if arrow <= 0 || arrow+1 >= len(fields) {
		if len(fields) > 0 {
			nc.countMalformed()
		}
		return
	}

	src, _ := splitHostPort(fields[arrow-1])
	dst, port := splitHostPort(strings.TrimSuffix(fields[arrow+1], ":"))

	protocol := "tcp"
	if strings.Contains(line, "UDP") || strings.Contains(line, " udp") {
		protocol = "udp"
	}

	ev := agent.NetworkEvent{
		Timestamp: now(),
		Protocol:  protocol,
		SrcAddr:   src,
		DstAddr:   dst,
		DstPort:   port,
	}

	nc.mu.Lock()
	nc.events = append(nc.events, ev)
	nc.mu.Unlock()

	// A DNS question names the real destination; surface it as its own
	// event so host matching works on domains, not resolver addresses.
	if port == 53 {
		if m := dnsQueryRegexp.FindStringSubmatch(line); m != nil {
			domain := strings.ToLower(strings.TrimSuffix(m[1], "."))
			dnsEv := agent.NetworkEvent{
				Timestamp: now(),
				Protocol:  "dns",
				SrcAddr:   src,
				DstAddr:   domain,
				DstPort:   53,
			}
			nc.mu.Lock()
			nc.events = append(nc.events, dnsEv)
			nc.mu.Unlock()
		}
	}
}

// splitHostPort splits tcpdump's "host.port" notation on the last dot.
func splitHostPort(s string) (string, int) {
	dot := strings.LastIndexByte(s, '.')
	if dot < 0 {
		return s, 0
	}
	port, err := strconv.Atoi(s[dot+1:])
	if err != nil {
		return s, 0
	}
	return s[:dot], port
}
