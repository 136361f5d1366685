// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed reports a body that cannot be decoded.
var ErrMalformed = errors.New("protocol: malformed packet body")

type encoder struct {
	buf []byte
}

func (e *encoder) int64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *encoder) int32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *encoder) bytes(v []byte) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) string(v string) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(v)))
	e.buf = append(e.buf, v...)
}

// decoder records the first error; later reads return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) need(n int, field string) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf) < n {
		d.err = fmt.Errorf("%w: short %s", ErrMalformed, field)
		return false
	}
	return true
}

func (d *decoder) int64(field string) int64 {
	if !d.need(8, field) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.buf))
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) int32(field string) int32 {
	if !d.need(4, field) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(d.buf))
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) bool(field string) bool {
	if !d.need(1, field) {
		return false
	}
	v := d.buf[0] != 0
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) bytes(field string) []byte {
	if !d.need(4, field) {
		return nil
	}
	n := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	if n > math.MaxInt32 || !d.need(int(n), field) {
		return nil
	}
	if n == 0 {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf)
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) string(field string) string {
	return string(d.bytes(field))
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) > 0 {
		d.err = fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf))
	}
	return d.err
}
