// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/jmscore/internal/bufpool"
	"github.com/gorilla/websocket"
)

var errNotBinary = errors.New("remoting: expected binary websocket message")

// WSTransport carries one frame per binary WebSocket message.
type WSTransport struct {
	ws           *websocket.Conn
	opts         CodecOptions
	writeTimeout time.Duration

	mu sync.Mutex // gorilla allows one concurrent writer

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport wraps an established WebSocket connection.
func NewWSTransport(ws *websocket.Conn, opts CodecOptions, writeTimeout time.Duration) *WSTransport {
	ws.SetReadLimit(int64(opts.maxFrame() + lengthSize))
	return &WSTransport{ws: ws, opts: opts, writeTimeout: writeTimeout}
}

// DialWebSocket opens a WebSocket transport to url.
func DialWebSocket(ctx context.Context, url string, opts CodecOptions, writeTimeout time.Duration) (*WSTransport, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewWSTransport(ws, opts, writeTimeout), nil
}

func (t *WSTransport) ReadPacket() (*Packet, error) {
	mt, data, err := t.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, errNotBinary
	}
	return DecodePacket(bytes.NewReader(data), t.opts)
}

func (t *WSTransport) WritePacket(p *Packet) error {
	buf := bufpool.Get(lengthSize + frameHeaderSize + len(p.Body))
	defer bufpool.Put(buf)
	if err := EncodePacket(buf, p, t.opts); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.ws.Close()
	})
	return t.closeErr
}

func (t *WSTransport) RemoteAddr() net.Addr {
	return t.ws.RemoteAddr()
}
