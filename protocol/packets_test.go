// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/absmach/jmscore/remoting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	msgs := []Message{
		&CreateSession{Name: "orders", ChannelID: 12, WindowSize: 1024},
		&CreateSessionResponse{NodeID: "8b0f4d7e-5f3c-11ef-9c2a-0242ac120002"},
		&Reattach{Name: "orders", LastReceived: 41, IDSequence: 13},
		&ReattachResponse{Found: true, LastReceived: 7, IDSequence: 15},
		&Send{Address: "queue.orders", Body: []byte("payload")},
		&Receive{Address: "queue.orders", Wait: 1500 * time.Millisecond},
		&ReceiveResponse{Found: true, MessageID: 3, Body: []byte{0, 1, 2}},
		&ReceiveResponse{},
		&Commit{},
		&CloseSession{},
		&NullResponse{},
		&Exception{Code: CodeSessionNotFound, Message: "no session orders"},
		&ReplicationHello{GroupName: "pair-a"},
		&ReplicationHelloResponse{NodeID: "8b0f4d7e-5f3c-11ef-9c2a-0242ac120002"},
	}

	for _, m := range msgs {
		p := Encode(m)
		assert.Equal(t, m.Type(), p.Type)

		got, err := Decode(p)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestDecodeErrors(t *testing.T) {
	p := Encode(&Send{Address: "queue.a", Body: []byte("abc")})

	_, err := Decode(&remoting.Packet{Type: SendType, Body: p.Body[:len(p.Body)-1]})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(&remoting.Packet{Type: SendType, Body: append(p.Body, 9)})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(&remoting.Packet{Type: remoting.FirstUserPacketType + 100})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse[*ReattachResponse](Encode(&ReattachResponse{Found: true, LastReceived: 2}))
	require.NoError(t, err)
	assert.True(t, resp.Found)

	_, err = DecodeResponse[*ReattachResponse](Encode(&Exception{Code: CodeNotActive, Message: "backup"}))
	var ex *Exception
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, CodeNotActive, ex.Code)

	_, err = DecodeResponse[*ReattachResponse](Encode(&NullResponse{}))
	assert.ErrorIs(t, err, ErrMalformed)
}
