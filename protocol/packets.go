// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the session packets exchanged over remoting
// channels between clients and the broker.
package protocol

import (
	"fmt"
	"time"

	"github.com/absmach/jmscore/remoting"
)

// Session packet types.
const (
	CreateSessionType = remoting.FirstUserPacketType + iota
	CreateSessionResponseType
	ReattachType
	ReattachResponseType
	SendType
	ReceiveType
	ReceiveResponseType
	CommitType
	CloseSessionType
	NullResponseType
	ExceptionType
	ReplicationHelloType
	ReplicationHelloResponseType
)

// Message is a session packet body.
type Message interface {
	Type() remoting.PacketType
	encode(e *encoder)
	decode(d *decoder)
}

// CreateSession asks the broker to open a session bound to ChannelID.
type CreateSession struct {
	Name       string
	ChannelID  int64
	WindowSize int32
}

type CreateSessionResponse struct {
	NodeID string
}

// Reattach resumes a session on a new connection after a failure.
type Reattach struct {
	Name         string
	LastReceived int64
	IDSequence   int64
}

type ReattachResponse struct {
	Found        bool
	LastReceived int64
	IDSequence   int64
}

// Send stores Body on the queue named by Address.
type Send struct {
	Address string
	Body    []byte
}

// Receive takes the next message from Address, waiting up to Wait.
type Receive struct {
	Address string
	Wait    time.Duration
}

type ReceiveResponse struct {
	Found     bool
	MessageID int64
	Body      []byte
}

// ReplicationHello opens the replication link from a backup to its live peer.
type ReplicationHello struct {
	GroupName string
}

type ReplicationHelloResponse struct {
	NodeID string
}

type Commit struct{}

type CloseSession struct{}

type NullResponse struct{}

// Exception codes.
const (
	CodeInternal int32 = iota + 1
	CodeInvalidRequest
	CodeSessionNotFound
	CodeSessionExists
	CodeNotActive
)

// Exception reports a failed request.
type Exception struct {
	Code    int32
	Message string
}

func (e *Exception) Error() string {
	return fmt.Sprintf("broker exception %d: %s", e.Code, e.Message)
}

func (*CreateSession) Type() remoting.PacketType         { return CreateSessionType }
func (*CreateSessionResponse) Type() remoting.PacketType { return CreateSessionResponseType }
func (*Reattach) Type() remoting.PacketType              { return ReattachType }
func (*ReattachResponse) Type() remoting.PacketType      { return ReattachResponseType }
func (*Send) Type() remoting.PacketType                  { return SendType }
func (*Receive) Type() remoting.PacketType               { return ReceiveType }
func (*ReceiveResponse) Type() remoting.PacketType       { return ReceiveResponseType }
func (*Commit) Type() remoting.PacketType                { return CommitType }
func (*CloseSession) Type() remoting.PacketType          { return CloseSessionType }
func (*NullResponse) Type() remoting.PacketType          { return NullResponseType }
func (*Exception) Type() remoting.PacketType             { return ExceptionType }
func (*ReplicationHello) Type() remoting.PacketType      { return ReplicationHelloType }

func (*ReplicationHelloResponse) Type() remoting.PacketType { return ReplicationHelloResponseType }

func (m *CreateSession) encode(e *encoder) {
	e.string(m.Name)
	e.int64(m.ChannelID)
	e.int32(m.WindowSize)
}

func (m *CreateSession) decode(d *decoder) {
	m.Name = d.string("name")
	m.ChannelID = d.int64("channel id")
	m.WindowSize = d.int32("window size")
}

func (m *CreateSessionResponse) encode(e *encoder) { e.string(m.NodeID) }
func (m *CreateSessionResponse) decode(d *decoder) { m.NodeID = d.string("node id") }

func (m *Reattach) encode(e *encoder) {
	e.string(m.Name)
	e.int64(m.LastReceived)
	e.int64(m.IDSequence)
}

func (m *Reattach) decode(d *decoder) {
	m.Name = d.string("name")
	m.LastReceived = d.int64("last received")
	m.IDSequence = d.int64("id sequence")
}

func (m *ReattachResponse) encode(e *encoder) {
	e.bool(m.Found)
	e.int64(m.LastReceived)
	e.int64(m.IDSequence)
}

func (m *ReattachResponse) decode(d *decoder) {
	m.Found = d.bool("found")
	m.LastReceived = d.int64("last received")
	m.IDSequence = d.int64("id sequence")
}

func (m *Send) encode(e *encoder) {
	e.string(m.Address)
	e.bytes(m.Body)
}

func (m *Send) decode(d *decoder) {
	m.Address = d.string("address")
	m.Body = d.bytes("body")
}

func (m *Receive) encode(e *encoder) {
	e.string(m.Address)
	e.int64(m.Wait.Milliseconds())
}

func (m *Receive) decode(d *decoder) {
	m.Address = d.string("address")
	m.Wait = time.Duration(d.int64("wait")) * time.Millisecond
}

func (m *ReceiveResponse) encode(e *encoder) {
	e.bool(m.Found)
	e.int64(m.MessageID)
	e.bytes(m.Body)
}

func (m *ReceiveResponse) decode(d *decoder) {
	m.Found = d.bool("found")
	m.MessageID = d.int64("message id")
	m.Body = d.bytes("body")
}

func (m *ReplicationHello) encode(e *encoder) { e.string(m.GroupName) }
func (m *ReplicationHello) decode(d *decoder) { m.GroupName = d.string("group name") }

func (m *ReplicationHelloResponse) encode(e *encoder) { e.string(m.NodeID) }
func (m *ReplicationHelloResponse) decode(d *decoder) { m.NodeID = d.string("node id") }

func (*Commit) encode(*encoder)       {}
func (*Commit) decode(*decoder)       {}
func (*CloseSession) encode(*encoder) {}
func (*CloseSession) decode(*decoder) {}
func (*NullResponse) encode(*encoder) {}
func (*NullResponse) decode(*decoder) {}

func (m *Exception) encode(e *encoder) {
	e.int32(m.Code)
	e.string(m.Message)
}

func (m *Exception) decode(d *decoder) {
	m.Code = d.int32("code")
	m.Message = d.string("message")
}

// Encode builds a packet carrying m.
func Encode(m Message) *remoting.Packet {
	var e encoder
	m.encode(&e)
	return &remoting.Packet{Type: m.Type(), Body: e.buf}
}

// Decode parses the body of p into the message type p carries.
func Decode(p *remoting.Packet) (Message, error) {
	var m Message
	switch p.Type {
	case CreateSessionType:
		m = &CreateSession{}
	case CreateSessionResponseType:
		m = &CreateSessionResponse{}
	case ReattachType:
		m = &Reattach{}
	case ReattachResponseType:
		m = &ReattachResponse{}
	case SendType:
		m = &Send{}
	case ReceiveType:
		m = &Receive{}
	case ReceiveResponseType:
		m = &ReceiveResponse{}
	case CommitType:
		m = &Commit{}
	case CloseSessionType:
		m = &CloseSession{}
	case NullResponseType:
		m = &NullResponse{}
	case ExceptionType:
		m = &Exception{}
	case ReplicationHelloType:
		m = &ReplicationHello{}
	case ReplicationHelloResponseType:
		m = &ReplicationHelloResponse{}
	default:
		return nil, fmt.Errorf("%w: unknown packet type %s", ErrMalformed, p.Type)
	}

	d := decoder{buf: p.Body}
	m.decode(&d)
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode %T: %w", m, err)
	}
	return m, nil
}

// DecodeResponse decodes a blocking-call response into want. A broker
// Exception is returned as the error.
func DecodeResponse[T Message](p *remoting.Packet) (T, error) {
	var zero T
	m, err := Decode(p)
	if err != nil {
		return zero, err
	}
	if ex, ok := m.(*Exception); ok {
		return zero, ex
	}
	ret, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected response %s", ErrMalformed, p.Type)
	}
	return ret, nil
}
