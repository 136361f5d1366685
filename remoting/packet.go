// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"encoding/binary"
	"fmt"
)

// Reserved channel ids. Channels created by upper layers start at FirstUserChannelID.
const (
	ChannelIDPing        int64 = 0
	ChannelIDSession     int64 = 1
	ChannelIDReplication int64 = 2
	ChannelIDCluster     int64 = 3

	FirstUserChannelID int64 = 10
)

// PacketType identifies a protocol unit. Types below FirstUserPacketType are
// owned by the remoting layer.
type PacketType uint8

const (
	PacketPing PacketType = iota + 1
	PacketDisconnect
	PacketsConfirmed

	FirstUserPacketType PacketType = 64
)

func (t PacketType) String() string {
	switch t {
	case PacketPing:
		return "PING"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketsConfirmed:
		return "PACKETS_CONFIRMED"
	default:
		return fmt.Sprintf("TYPE_%d", uint8(t))
	}
}

// Packet flags.
const (
	// FlagResponse marks the answer to a blocking call.
	FlagResponse uint8 = 1 << 0

	// flagCompressed is set by the codec on S2-compressed bodies.
	flagCompressed uint8 = 1 << 7
)

// Packet is one protocol unit carried on a channel.
type Packet struct {
	Type      PacketType
	Flags     uint8
	ChannelID int64
	// Seq is assigned by the sending channel; 0 marks unsequenced packets.
	Seq int64
	// Correlation is the Seq of the request a response answers.
	Correlation int64
	Body        []byte
}

// IsResponse reports whether the packet answers a blocking call.
func (p *Packet) IsResponse() bool {
	return p.Flags&FlagResponse != 0
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s(channel=%d seq=%d corr=%d len=%d)", p.Type, p.ChannelID, p.Seq, p.Correlation, len(p.Body))
}

func newConfirmation(channelID, seq int64) *Packet {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, uint64(seq))
	return &Packet{Type: PacketsConfirmed, ChannelID: channelID, Body: body}
}

func confirmedSeq(p *Packet) (int64, error) {
	if len(p.Body) != 8 {
		return 0, fmt.Errorf("%w: confirmation body of %d bytes", ErrMalformedFrame, len(p.Body))
	}
	return int64(binary.BigEndian.Uint64(p.Body)), nil
}
