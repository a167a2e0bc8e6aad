// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the framed binary protocol between the engine and
// a remote renderer.
//
// # Frame Layout
//
//	+----------------+---------+-------+------------------+
//	| length (4B BE) | version | flags | chunk            |
//	+----------------+---------+-------+------------------+
//	                           |<---- length bytes ------>|
//
// length counts payload bytes only (flags + chunk). version is
// ProtocolVersion. Flag bit 0 means more segments of the same message
// follow. The chunks of consecutive frames concatenate into one message:
// a one-byte Tag followed by a canonical CBOR body.
//
// # Segmentation Extension
//
// The flags byte is an extension of the base frame format, in which the
// payload is the tagged message itself. It exists so messages larger than
// the frame limit can be split. Every version 1 frame carries it, even
// when the message fits in one frame (flags 0x00), so a peer must strip
// one byte before reading the Tag. Reserved flag bits must be zero.
//
// # Thread Safety
//
// Codec is immutable and safe for concurrent use. A Decoder holds stream
// state and belongs to one connection.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/AleutianAI/reflow/services/reflow/canon"
	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/reconcile"
)

const (
	// ProtocolVersion is the only version this codec speaks.
	ProtocolVersion byte = 1

	// HeaderSize is the length prefix plus the version byte.
	HeaderSize = 5

	// DefaultMaxFramePayload bounds a single frame's payload.
	DefaultMaxFramePayload = 64 << 10

	// MinFramePayload leaves room for the flags byte and some data.
	MinFramePayload = 16

	// DefaultMaxMessageSize bounds a reassembled message.
	DefaultMaxMessageSize = 16 << 20

	flagMore     byte = 0x01
	flagReserved      = ^flagMore
)

var (
	// ErrNilMessage is returned when encoding a nil Message.
	ErrNilMessage = errors.New("nil message")

	// ErrMessageTooLarge is returned when encoding a message above the
	// configured maximum.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Codec encodes and decodes protocol messages.
type Codec struct {
	maxPayload int
	maxMessage int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxFramePayload sets the per-frame payload bound. Values below
// MinFramePayload are raised to it.
func WithMaxFramePayload(n int) Option {
	return func(c *Codec) {
		if n < MinFramePayload {
			n = MinFramePayload
		}
		c.maxPayload = n
	}
}

// WithMaxMessageSize sets the bound on a reassembled message.
func WithMaxMessageSize(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxMessage = n
		}
	}
}

// NewCodec creates a codec with the given options.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		maxPayload: DefaultMaxFramePayload,
		maxMessage: DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxFramePayload returns the per-frame payload bound.
func (c *Codec) MaxFramePayload() int { return c.maxPayload }

// Encode frames each message in order and returns the concatenated bytes.
//
// # Description
//
// Messages longer than one frame are split into segments. Encoding is a
// pure transformation and never blocks.
func (c *Codec) Encode(msgs ...Message) ([]byte, error) {
	var out []byte
	for _, m := range msgs {
		var err error
		if out, err = c.appendMessage(out, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeDeltaBatch frames the ops of one rerun for a session.
func (c *Codec) EncodeDeltaBatch(sessionID string, generation uint64, ops []reconcile.Op) ([]byte, error) {
	if ops == nil {
		ops = []reconcile.Op{}
	}
	return c.Encode(DeltaBatch{SessionID: sessionID, Generation: generation, Ops: ops})
}

func (c *Codec) appendMessage(dst []byte, m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	body, err := canon.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Tag(), err)
	}
	if 1+len(body) > c.maxMessage {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrMessageTooLarge, m.Tag(), 1+len(body), c.maxMessage)
	}

	msg := make([]byte, 0, 1+len(body))
	msg = append(msg, byte(m.Tag()))
	msg = append(msg, body...)

	chunk := c.maxPayload - 1
	for off := 0; off < len(msg); {
		end := off + chunk
		flags := flagMore
		if end >= len(msg) {
			end = len(msg)
			flags = 0
		}
		dst = appendFrame(dst, flags, msg[off:end])
		off = end
	}
	return dst, nil
}

func appendFrame(dst []byte, flags byte, chunk []byte) []byte {
	var hdr [HeaderSize + 1]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(1+len(chunk)))
	hdr[4] = ProtocolVersion
	hdr[5] = flags
	dst = append(dst, hdr[:]...)
	return append(dst, chunk...)
}

// =============================================================================
// Decoder
// =============================================================================

// Decoder reassembles messages from a byte stream that may split or merge
// frames arbitrarily.
//
// Every error is a *fault.ProtocolError. After an error the decoder is
// poisoned and returns the same error for all later input, since the
// stream can no longer be resynchronized.
type Decoder struct {
	codec   *Codec
	buf     []byte
	partial []byte
	err     error
}

// NewDecoder creates a stream decoder using the codec's limits.
func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{codec: c}
}

// Decode consumes data and returns every message completed by it, in order.
// Incomplete frames and segments are buffered for the next call.
func (d *Decoder) Decode(data []byte) ([]Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, data...)

	var out []Message
	for len(d.buf) >= HeaderSize {
		n := int(binary.BigEndian.Uint32(d.buf[:4]))
		if v := d.buf[4]; v != ProtocolVersion {
			return out, d.fail(fault.Protocolf("unsupported protocol version %d", v))
		}
		if n < 1 || n > d.codec.maxPayload {
			return out, d.fail(fault.Protocolf("frame payload length %d outside [1,%d]", n, d.codec.maxPayload))
		}
		if len(d.buf) < HeaderSize+n {
			break
		}
		flags := d.buf[HeaderSize]
		if flags&flagReserved != 0 {
			return out, d.fail(fault.Protocolf("reserved frame flags set: 0x%02x", flags))
		}
		d.partial = append(d.partial, d.buf[HeaderSize+1:HeaderSize+n]...)
		d.buf = d.buf[HeaderSize+n:]
		if len(d.partial) > d.codec.maxMessage {
			return out, d.fail(fault.Protocolf("message exceeds %d bytes", d.codec.maxMessage))
		}
		if flags&flagMore != 0 {
			continue
		}

		msg, err := decodeMessage(d.partial)
		d.partial = nil
		if err != nil {
			return out, d.fail(err)
		}
		out = append(out, msg)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held for incomplete frames or
// messages.
func (d *Decoder) Buffered() int {
	return len(d.buf) + len(d.partial)
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.buf, d.partial = nil, nil
	return err
}

func decodeMessage(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fault.Protocolf("empty message")
	}
	tag := Tag(b[0])
	m := newMessage(tag)
	if m == nil {
		return nil, fault.Protocolf("unknown message tag 0x%02x", b[0])
	}
	if err := canon.Unmarshal(b[1:], m); err != nil {
		return nil, &fault.ProtocolError{Reason: "decode " + tag.String() + " body", Cause: err}
	}
	return deref(m), nil
}

// deref turns the pointer used for decoding back into a value message.
func deref(m Message) Message {
	switch v := m.(type) {
	case *NewSession:
		return *v
	case *DeltaBatch:
		return *v
	case *Fault:
		return *v
	case *Handshake:
		return *v
	case *WidgetEvent:
		return *v
	case *Heartbeat:
		return *v
	case *CloseSession:
		return *v
	case *RerunRequest:
		return *v
	default:
		return m
	}
}
