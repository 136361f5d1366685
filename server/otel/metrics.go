// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/jmscore/remoting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records remoting activity as OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	connectionsTotal   metric.Int64Counter
	connectionFailures metric.Int64Counter
	packetsSent        metric.Int64Counter
	packetsReceived    metric.Int64Counter
	bytesSent          metric.Int64Counter
	bytesReceived      metric.Int64Counter
	packetsResent      metric.Int64Counter
	packetsConfirmed   metric.Int64Counter
	sendsBlocked       metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
}

var _ remoting.Metrics = (*Metrics)(nil)

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("jmscore")
	}
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "jms.connections.total", "Total remoting connections opened"},
		{&m.connectionFailures, "jms.connections.failed.total", "Connections that failed instead of closing cleanly"},
		{&m.packetsSent, "jms.packets.sent.total", "Packets written"},
		{&m.packetsReceived, "jms.packets.received.total", "Packets read"},
		{&m.bytesSent, "jms.bytes.sent.total", "Packet body bytes written"},
		{&m.bytesReceived, "jms.bytes.received.total", "Packet body bytes read"},
		{&m.packetsResent, "jms.packets.resent.total", "Packets replayed after failover"},
		{&m.packetsConfirmed, "jms.packets.confirmed.total", "Packets released from resend buffers"},
		{&m.sendsBlocked, "jms.sends.blocked.total", "Sends that waited on a full confirmation window"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"jms.connections.current",
		metric.WithDescription("Current number of open remoting connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) ConnectionOpened() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(failed bool) {
	ctx := context.Background()
	if failed {
		m.connectionFailures.Add(ctx, 1)
	}
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) PacketSent(t remoting.PacketType, size int) {
	ctx := context.Background()
	m.packetsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String())))
	m.bytesSent.Add(ctx, int64(size))
}

func (m *Metrics) PacketReceived(t remoting.PacketType, size int) {
	ctx := context.Background()
	m.packetsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", t.String())))
	m.bytesReceived.Add(ctx, int64(size))
}

func (m *Metrics) PacketsResent(n int) {
	m.packetsResent.Add(context.Background(), int64(n))
}

func (m *Metrics) PacketsConfirmed(n int) {
	m.packetsConfirmed.Add(context.Background(), int64(n))
}

func (m *Metrics) SendBlocked() {
	m.sendsBlocked.Add(context.Background(), 1)
}
