// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"github.com/AleutianAI/reflow/services/reflow/fault"
	"github.com/AleutianAI/reflow/services/reflow/reconcile"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
)

// Tag identifies a message type. It is the first byte of every message.
type Tag uint8

// Server to client.
const (
	TagNewSession Tag = 0x01
	TagDeltaBatch Tag = 0x02
	TagFault      Tag = 0x03
)

// Client to server.
const (
	TagHandshake    Tag = 0x10
	TagWidgetEvent  Tag = 0x11
	TagHeartbeat    Tag = 0x12
	TagCloseSession Tag = 0x13
	TagRerunRequest Tag = 0x14
)

// String returns the message name.
func (t Tag) String() string {
	switch t {
	case TagNewSession:
		return "new_session"
	case TagDeltaBatch:
		return "delta_batch"
	case TagFault:
		return "fault"
	case TagHandshake:
		return "handshake"
	case TagWidgetEvent:
		return "widget_event"
	case TagHeartbeat:
		return "heartbeat"
	case TagCloseSession:
		return "close_session"
	case TagRerunRequest:
		return "rerun_request"
	default:
		return "unknown"
	}
}

// FromClient reports whether t is a client to server message.
func (t Tag) FromClient() bool {
	return t >= TagHandshake && t <= TagRerunRequest
}

// Message is any decoded protocol message.
type Message interface {
	Tag() Tag
}

// NewSession announces the id assigned to a fresh connection.
type NewSession struct {
	SessionID string `cbor:"1,keyasint"`
}

// DeltaBatch carries the ops of one delivered rerun.
type DeltaBatch struct {
	SessionID  string         `cbor:"1,keyasint"`
	Generation uint64         `cbor:"2,keyasint"`
	Ops        []reconcile.Op `cbor:"3,keyasint"`
}

// Fault reports a script fault or a diagnostic.
type Fault struct {
	Code     fault.Code `cbor:"1,keyasint"`
	Message  string     `cbor:"2,keyasint"`
	Identity string     `cbor:"3,keyasint,omitempty"`
}

// Handshake opens a session. It must be the first client message.
type Handshake struct {
	Client string `cbor:"1,keyasint,omitempty"`
}

// WidgetEvent reports a widget value change.
type WidgetEvent struct {
	Identity string              `cbor:"1,keyasint"`
	Type     widgetstate.TypeTag `cbor:"2,keyasint"`
	Value    []byte              `cbor:"3,keyasint"`
}

// StateValue returns the event's value as a widget state value.
func (e WidgetEvent) StateValue() widgetstate.Value {
	return widgetstate.Value{Type: e.Type, Data: e.Value}
}

// NewWidgetEvent builds an event from a widget state value.
func NewWidgetEvent(identity string, v widgetstate.Value) WidgetEvent {
	return WidgetEvent{Identity: identity, Type: v.Type, Value: v.Data}
}

// Heartbeat keeps an idle session alive.
type Heartbeat struct{}

// CloseSession ends the session from the client side.
type CloseSession struct{}

// RerunRequest asks for a rerun without a value change.
type RerunRequest struct{}

func (NewSession) Tag() Tag   { return TagNewSession }
func (DeltaBatch) Tag() Tag   { return TagDeltaBatch }
func (Fault) Tag() Tag        { return TagFault }
func (Handshake) Tag() Tag    { return TagHandshake }
func (WidgetEvent) Tag() Tag  { return TagWidgetEvent }
func (Heartbeat) Tag() Tag    { return TagHeartbeat }
func (CloseSession) Tag() Tag { return TagCloseSession }
func (RerunRequest) Tag() Tag { return TagRerunRequest }

// FaultFrom converts a diagnostic into a Fault message.
func FaultFrom(d fault.Diagnostic) Fault {
	return Fault{Code: d.Code, Message: d.Message, Identity: d.Identity}
}

// newMessage returns a pointer to a zero message for tag, or nil if the tag
// is unknown.
func newMessage(tag Tag) Message {
	switch tag {
	case TagNewSession:
		return &NewSession{}
	case TagDeltaBatch:
		return &DeltaBatch{}
	case TagFault:
		return &Fault{}
	case TagHandshake:
		return &Handshake{}
	case TagWidgetEvent:
		return &WidgetEvent{}
	case TagHeartbeat:
		return &Heartbeat{}
	case TagCloseSession:
		return &CloseSession{}
	case TagRerunRequest:
		return &RerunRequest{}
	default:
		return nil
	}
}
