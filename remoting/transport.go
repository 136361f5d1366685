// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Transport moves whole packets over a physical connection. ReadPacket is
// called from a single goroutine; WritePacket may be called concurrently.
type Transport interface {
	ReadPacket() (*Packet, error)
	WritePacket(p *Packet) error
	Close() error
	RemoteAddr() net.Addr
}

// StreamTransport frames packets over a byte stream such as TCP.
type StreamTransport struct {
	conn         net.Conn
	r            *bufio.Reader
	opts         CodecOptions
	writeTimeout time.Duration

	mu sync.Mutex // protects writes
	w  *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*StreamTransport)(nil)

// NewStreamTransport wraps conn. writeTimeout bounds each packet write; zero
// disables the deadline.
func NewStreamTransport(conn net.Conn, opts CodecOptions, writeTimeout time.Duration) *StreamTransport {
	return &StreamTransport{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, 32*1024),
		w:            bufio.NewWriterSize(conn, 32*1024),
		opts:         opts,
		writeTimeout: writeTimeout,
	}
}

func (t *StreamTransport) ReadPacket() (*Packet, error) {
	return DecodePacket(t.r, t.opts)
}

func (t *StreamTransport) WritePacket(p *Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if err := EncodePacket(t.w, p, t.opts); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *StreamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
