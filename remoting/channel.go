// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes packets delivered on a channel. It runs on the
// connection's read goroutine and must hand off slow work. A packet counts
// as processed only once Confirm is called for it.
type Handler func(ch *Channel, p *Packet)

// ConfirmationHandler is called for each sent packet the peer confirms.
type ConfirmationHandler func(p *Packet)

// Channel is an ordered, flow-controlled stream of packets. Unconfirmed
// packets stay buffered so they can be replayed on a replacement connection.
type Channel struct {
	id     int64
	window int

	// sendMu orders writes, including replay, against new sends.
	sendMu sync.Mutex
	// callMu allows one blocking call at a time.
	callMu sync.Mutex

	mu        sync.Mutex
	conn      *Connection
	closed    bool
	suspended bool
	changed   chan struct{}
	resend    []*Packet
	nextSeq   int64
	confirmed int64

	lastReceived  int64
	lastProcessed int64
	lastAcked     int64
	pending       int

	handler   Handler
	onConfirm ConfirmationHandler
	response  chan *Packet
	// awaiting is the Seq of the outstanding blocking call, 0 when none.
	awaiting int64
}

func newChannel(id int64, window int, conn *Connection) *Channel {
	return &Channel{
		id:      id,
		window:  window,
		conn:    conn,
		changed: make(chan struct{}),
		nextSeq: 1,
	}
}

func (ch *Channel) ID() int64 {
	return ch.id
}

func (ch *Channel) WindowSize() int {
	return ch.window
}

// Connection returns the current owner.
func (ch *Channel) Connection() *Connection {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn
}

func (ch *Channel) SetHandler(h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = h
}

func (ch *Channel) SetConfirmationHandler(h ConfirmationHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onConfirm = h
}

// LastReceived returns the highest sequence delivered by the peer.
func (ch *Channel) LastReceived() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastReceived
}

// LastConfirmed returns the highest own sequence the peer confirmed.
func (ch *Channel) LastConfirmed() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirmed
}

// NextSequence returns the sequence the next sent packet will carry.
func (ch *Channel) NextSequence() int64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nextSeq
}

// Unconfirmed returns the number of packets held for resend.
func (ch *Channel) Unconfirmed() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.resend)
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Send writes p with the next sequence number. With a positive window the
// packet is buffered until confirmed, and Send blocks while the window is
// full. A full window that does not drain within the blocking-call timeout
// fails the owning connection and returns ErrTimeout.
func (ch *Channel) Send(ctx context.Context, p *Packet) error {
	return ch.send(ctx, p, time.Time{}, false)
}

func (ch *Channel) send(ctx context.Context, p *Packet, deadline time.Time, call bool) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		ch.sendMu.Lock()
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			ch.sendMu.Unlock()
			return ErrChannelClosed
		}
		if !ch.suspended && (ch.window <= 0 || len(ch.resend) < ch.window) {
			break
		}

		wait, suspended := ch.changed, ch.suspended
		conn := ch.conn
		ch.mu.Unlock()
		ch.sendMu.Unlock()

		if timer == nil {
			if deadline.IsZero() {
				deadline = time.Now().Add(conn.BlockingCallTimeout())
			}
			timer = time.NewTimer(time.Until(deadline))
			conn.metrics.SendBlocked()
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if suspended {
				return fmt.Errorf("%w: channel %d suspended for failover", ErrTimeout, ch.id)
			}
			err := fmt.Errorf("%w: channel %d window of %d not confirmed", ErrTimeout, ch.id, ch.window)
			conn.Fail(err)
			return err
		}
	}

	conn := ch.conn
	if conn.IsClosed() {
		ch.mu.Unlock()
		ch.sendMu.Unlock()
		return ErrConnectionClosed
	}
	p.ChannelID = ch.id
	p.Seq = ch.nextSeq
	ch.nextSeq++
	if ch.window > 0 {
		ch.resend = append(ch.resend, p)
	}
	if call {
		ch.awaiting = p.Seq
	}
	ch.mu.Unlock()
	defer ch.sendMu.Unlock()

	err := conn.write(p)
	if err == nil {
		return nil
	}
	if ch.window > 0 && conn.IsFailed() {
		// Buffered; replayed once the channel moves to a new connection.
		return nil
	}
	ch.unsend(p)
	return err
}

// unsend takes back p after a write that will never be replayed. The caller
// still holds sendMu, so p carries the latest sequence.
func (ch *Channel) unsend(p *Packet) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, q := range ch.resend {
		if q == p {
			ch.resend = append(ch.resend[:i], ch.resend[i+1:]...)
			break
		}
	}
	if len(ch.resend) == 0 {
		ch.resend = nil
	}
	if ch.nextSeq == p.Seq+1 {
		ch.nextSeq = p.Seq
	}
	if ch.awaiting == p.Seq {
		ch.awaiting = 0
	}
	ch.broadcastLocked()
}

// SendBlocking sends p and waits for the peer's response on this channel.
// The wait, including any window stall, is bounded by the blocking-call
// timeout. A response survives connection replacement. Only the response
// correlated with p is returned. A missing response fails the connection
// so the caller fails over instead of reusing the transport.
func (ch *Channel) SendBlocking(ctx context.Context, p *Packet) (*Packet, error) {
	ch.callMu.Lock()
	defer ch.callMu.Unlock()

	resp := make(chan *Packet, 1)
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, ErrChannelClosed
	}
	ch.response = resp
	conn := ch.conn
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		ch.response = nil
		ch.awaiting = 0
		ch.mu.Unlock()
	}()

	deadline := time.Now().Add(conn.BlockingCallTimeout())
	if err := ch.send(ctx, p, deadline, true); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		ch.mu.Lock()
		closed, wait := ch.closed, ch.changed
		ch.mu.Unlock()
		if closed {
			return nil, ErrChannelClosed
		}

		select {
		case r := <-resp:
			return r, nil
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			err := fmt.Errorf("%w: channel %d no response to %s seq %d", ErrTimeout, ch.id, p.Type, p.Seq)
			ch.Connection().Fail(err)
			return nil, err
		}
	}
}

// Respond sends p as the answer to the peer's blocking call req.
func (ch *Channel) Respond(ctx context.Context, req, p *Packet) error {
	p.Flags |= FlagResponse
	p.Correlation = req.Seq
	return ch.Send(ctx, p)
}

// Confirm marks p as processed. A confirmation is written to the peer once
// half a window of packets is pending.
func (ch *Channel) Confirm(p *Packet) {
	ch.mu.Lock()
	if ch.closed || ch.window <= 0 || p.Seq <= ch.lastProcessed {
		ch.mu.Unlock()
		return
	}
	ch.lastProcessed = p.Seq
	ch.pending++
	if ch.pending < max(1, ch.window/2) {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	ch.FlushConfirmations()
}

// FlushConfirmations writes a confirmation for everything processed so far.
func (ch *Channel) FlushConfirmations() {
	ch.mu.Lock()
	if ch.closed || ch.lastProcessed <= ch.lastAcked {
		ch.mu.Unlock()
		return
	}
	seq := ch.lastProcessed
	ch.lastAcked = seq
	ch.pending = 0
	conn := ch.conn
	ch.mu.Unlock()

	if err := conn.write(newConfirmation(ch.id, seq)); err != nil {
		conn.logger.Debug("failed to write confirmation",
			slog.Int64("channel", ch.id),
			slog.Int64("seq", seq),
			slog.String("error", err.Error()))
	}
}

// Confirmed discards every buffered packet up to and including seq.
func (ch *Channel) Confirmed(seq int64) {
	ch.mu.Lock()
	if seq >= ch.nextSeq {
		seq = ch.nextSeq - 1
	}
	if seq <= ch.confirmed {
		ch.mu.Unlock()
		return
	}
	ch.confirmed = seq

	n := 0
	for n < len(ch.resend) && ch.resend[n].Seq <= seq {
		n++
	}
	acked := ch.resend[:n:n]
	ch.resend = ch.resend[n:]
	if len(ch.resend) == 0 {
		ch.resend = nil
	}
	cb, conn := ch.onConfirm, ch.conn
	ch.broadcastLocked()
	ch.mu.Unlock()

	if n > 0 {
		conn.metrics.PacketsConfirmed(n)
	}
	if cb != nil {
		for _, p := range acked {
			cb(p)
		}
	}
}

// Suspend holds new sends until Resume. Failover suspends a channel while
// it is transferred and replayed so new packets cannot overtake the replay.
func (ch *Channel) Suspend() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.suspended = true
}

func (ch *Channel) Resume() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.suspended {
		ch.suspended = false
		ch.broadcastLocked()
	}
}

// TransferConnection moves the channel to conn. The caller holds the
// current owner's TransferLock.
func (ch *Channel) TransferConnection(conn *Connection) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	ch.mu.Lock()
	old := ch.conn
	ch.conn = conn
	ch.broadcastLocked()
	ch.mu.Unlock()

	if old != nil && old != conn {
		old.RemoveChannel(ch.id)
	}
	conn.PutChannel(ch.id, ch)
}

// ReplayCommands drops packets the peer already received and resends the
// rest, in order, before any new send proceeds.
func (ch *Channel) ReplayCommands(peerLastReceived int64) error {
	ch.Confirmed(peerLastReceived)

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	replay := append([]*Packet(nil), ch.resend...)
	conn := ch.conn
	ch.mu.Unlock()

	for _, p := range replay {
		if err := conn.write(p); err != nil {
			return fmt.Errorf("replay channel %d seq %d: %w", ch.id, p.Seq, err)
		}
	}
	if len(replay) > 0 {
		conn.metrics.PacketsResent(len(replay))
		conn.logger.Debug("replayed channel",
			slog.Int64("channel", ch.id),
			slog.Int("packets", len(replay)))
	}
	return nil
}

// Close removes the channel from its connection and releases blocked callers.
func (ch *Channel) Close() {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil {
		conn.RemoveChannel(ch.id)
	}
	ch.markClosed(conn)
}

func (ch *Channel) markClosed(owner *Connection) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	// A channel already moved elsewhere is not closed with its old owner.
	if ch.closed || (owner != nil && ch.conn != owner) {
		return
	}
	ch.closed = true
	ch.broadcastLocked()
}

func (ch *Channel) handlePacket(p *Packet) {
	if p.Type == PacketsConfirmed {
		seq, err := confirmedSeq(p)
		if err != nil {
			ch.Connection().logger.Warn("invalid confirmation", slog.String("error", err.Error()))
			return
		}
		ch.Confirmed(seq)
		return
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	if p.Seq > 0 {
		if p.Seq <= ch.lastReceived {
			ch.mu.Unlock()
			return
		}
		ch.lastReceived = p.Seq
	}
	handler, resp, awaiting := ch.handler, ch.response, ch.awaiting
	ch.mu.Unlock()

	if p.IsResponse() {
		ch.Confirm(p)
		if resp == nil || awaiting == 0 || p.Correlation != awaiting {
			ch.Connection().logger.Debug("dropped uncorrelated response",
				slog.Int64("channel", ch.id),
				slog.Int64("correlation", p.Correlation),
				slog.Int64("awaiting", awaiting))
			return
		}
		select {
		case resp <- p:
		default:
		}
		return
	}
	if handler == nil {
		ch.Confirm(p)
		return
	}
	handler(ch, p)
}

func (ch *Channel) broadcastLocked() {
	close(ch.changed)
	ch.changed = make(chan struct{})
}
