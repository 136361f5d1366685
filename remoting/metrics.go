// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

// Metrics receives remoting events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed(failed bool)
	PacketSent(t PacketType, size int)
	PacketReceived(t PacketType, size int)
	PacketsResent(n int)
	PacketsConfirmed(n int)
	SendBlocked()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()              {}
func (noopMetrics) ConnectionClosed(bool)          {}
func (noopMetrics) PacketSent(PacketType, int)     {}
func (noopMetrics) PacketReceived(PacketType, int) {}
func (noopMetrics) PacketsResent(int)              {}
func (noopMetrics) PacketsConfirmed(int)           {}
func (noopMetrics) SendBlocked()                   {}
