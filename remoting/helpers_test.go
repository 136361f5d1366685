// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records written packets and delivers injected ones.
type fakeTransport struct {
	in     chan *Packet
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	out    []*Packet
	failOn bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan *Packet, 64), done: make(chan struct{})}
}

func (f *fakeTransport) ReadPacket() (*Packet, error) {
	select {
	case p := <-f.in:
		return p, nil
	case <-f.done:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WritePacket(p *Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn {
		return errors.New("broken pipe")
	}
	cp := *p
	f.out = append(f.out, &cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5445}
}

func (f *fakeTransport) breakWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = true
}

func (f *fakeTransport) written(typ PacketType) []*Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret []*Packet
	for _, p := range f.out {
		if p.Type == typ {
			ret = append(ret, p)
		}
	}
	return ret
}

func newFakeConnection(t *testing.T, cfg Config) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := NewConnection(ft, cfg)
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c, ft
}

// connectedPair returns two connections joined over loopback TCP.
func connectedPair(t *testing.T, clientCfg, serverCfg Config) (*Connection, *Connection) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	cc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	sc, ok := <-accepted
	require.True(t, ok)

	client := NewConnection(NewStreamTransport(cc, CodecOptions{}, time.Second), clientCfg)
	server := NewConnection(NewStreamTransport(sc, CodecOptions{}, time.Second), serverCfg)
	client.Start()
	server.Start()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}
