// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/absmach/jmscore/internal/bufpool"
	"github.com/klauspost/compress/s2"
)

// Frame layout:
//
//	length  uint32  bytes following this field
//	type    uint8
//	flags   uint8
//	channel int64
//	seq     int64
//	corr    int64   request seq a response answers, else 0
//	body    []byte
const (
	lengthSize      = 4
	frameHeaderSize = 1 + 1 + 8 + 8 + 8

	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// CodecOptions tune frame encoding.
type CodecOptions struct {
	// CompressThreshold is the body size from which bodies are S2-compressed.
	// Zero disables compression.
	CompressThreshold int
	// MaxFrameSize bounds accepted frames. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
}

func (o CodecOptions) maxFrame() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// EncodePacket writes p as one frame to w.
func EncodePacket(w io.Writer, p *Packet, opts CodecOptions) error {
	body := p.Body
	flags := p.Flags &^ flagCompressed
	if opts.CompressThreshold > 0 && len(body) >= opts.CompressThreshold {
		if c := s2.Encode(nil, body); len(c) < len(body) {
			body = c
			flags |= flagCompressed
		}
	}

	size := frameHeaderSize + len(body)
	if size > opts.maxFrame() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, opts.maxFrame())
	}

	buf := bufpool.Get(lengthSize + size)
	defer bufpool.Put(buf)

	var hdr [lengthSize + frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(size))
	hdr[4] = byte(p.Type)
	hdr[5] = flags
	binary.BigEndian.PutUint64(hdr[6:14], uint64(p.ChannelID))
	binary.BigEndian.PutUint64(hdr[14:22], uint64(p.Seq))
	binary.BigEndian.PutUint64(hdr[22:30], uint64(p.Correlation))
	buf.Write(hdr[:])
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

// DecodePacket reads one frame from r.
func DecodePacket(r io.Reader, opts CodecOptions) (*Packet, error) {
	var lb [lengthSize]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(lb[:]))
	if size < frameHeaderSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedFrame, size)
	}
	if size > opts.maxFrame() {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, opts.maxFrame())
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	p := &Packet{
		Type:        PacketType(frame[0]),
		Flags:       frame[1],
		ChannelID:   int64(binary.BigEndian.Uint64(frame[2:10])),
		Seq:         int64(binary.BigEndian.Uint64(frame[10:18])),
		Correlation: int64(binary.BigEndian.Uint64(frame[18:26])),
	}
	body := frame[frameHeaderSize:]
	if p.Flags&flagCompressed != 0 {
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %w", ErrMalformedFrame, err)
		}
		body = decoded
		p.Flags &^= flagCompressed
	}
	if len(body) > 0 {
		p.Body = body
	}
	return p, nil
}
