// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import "errors"

var (
	// ErrTimeout reports that a bounded wait expired. The operation may be
	// retried, typically on a replacement connection.
	ErrTimeout = errors.New("remoting: operation timed out")

	// ErrConnectionClosed reports use of a connection after Close.
	ErrConnectionClosed = errors.New("remoting: connection closed")

	// ErrConnectionFailed reports that the underlying transport was lost.
	ErrConnectionFailed = errors.New("remoting: connection failed")

	// ErrChannelClosed reports use of a channel after Close.
	ErrChannelClosed = errors.New("remoting: channel closed")

	ErrFrameTooLarge  = errors.New("remoting: frame exceeds maximum size")
	ErrMalformedFrame = errors.New("remoting: malformed frame")
)

// IsTimeout reports whether err is a timeout, after which a retry is safe.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
