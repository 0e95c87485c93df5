// Package protocol defines the frames exchanged over a client connection.
//
// Every frame is one JSON object {"type": <TAG>, "payload": {...}} where the
// payload shape is fixed by the tag. The set of tags is closed: each tag has
// exactly one payload type in this package, and Packet can only be
// implemented here.
package protocol

import (
	"encoding/json"
	"time"

	"PPRealtime/tools/errs"
)

type Type string

const (
	TypeLoginAck       Type = "LOGIN_ACK"
	TypeSendMessage    Type = "SEND_MESSAGE"
	TypeReceiveMessage Type = "RECEIVE_MESSAGE"
	TypeReadStatus     Type = "READ_STATUS"
	TypeHeartbeat      Type = "HEARTBEAT"
	TypeAck            Type = "ACK"
	TypeSyncComplete   Type = "SYNC_COMPLETE"
	TypeError          Type = "ERROR"
)

// Types lists every tag in the protocol.
func Types() []Type {
	return []Type{
		TypeLoginAck, TypeSendMessage, TypeReceiveMessage, TypeReadStatus,
		TypeHeartbeat, TypeAck, TypeSyncComplete, TypeError,
	}
}

// Packet is the sealed set of payloads. Values are immutable once built.
type Packet interface {
	Type() Type
	validate() error
}

// LoginAck is sent once the handshake is authenticated.
type LoginAck struct {
	UserID              string `json:"userId"`
	DeviceID            string `json:"deviceId"`
	ConnectionID        string `json:"connectionId"`
	ServerTime          int64  `json:"serverTime"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

// SendMessage is a client asking for a message to be persisted and fanned out.
type SendMessage struct {
	ConversationID string          `json:"conversationId"`
	ClientMsgID    string          `json:"clientMsgId,omitempty"`
	Content        json.RawMessage `json:"content"`
}

// ReceiveMessage pushes a persisted chat message to a client.
type ReceiveMessage struct {
	MsgID          int64           `json:"msgId"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderDeviceID string          `json:"senderDeviceId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ReadStatus carries a read cursor. From a client it reports a read; from
// the server it mirrors a read made on another device of the same user.
type ReadStatus struct {
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
	UserID         string `json:"userId,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
}

type Heartbeat struct {
	Ts int64 `json:"ts"`
}

// Ack acknowledges that the client has everything up to Cursor.
type Ack struct {
	Cursor int64 `json:"cursor"`
}

// SyncComplete closes the reconnect backlog; live frames follow.
type SyncComplete struct {
	Cursor   int64 `json:"cursor"`
	Replayed int   `json:"replayed"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (LoginAck) Type() Type       { return TypeLoginAck }
func (SendMessage) Type() Type    { return TypeSendMessage }
func (ReceiveMessage) Type() Type { return TypeReceiveMessage }
func (ReadStatus) Type() Type     { return TypeReadStatus }
func (Heartbeat) Type() Type      { return TypeHeartbeat }
func (Ack) Type() Type            { return TypeAck }
func (SyncComplete) Type() Type   { return TypeSyncComplete }
func (Error) Type() Type          { return TypeError }

func (p LoginAck) validate() error {
	if p.UserID == "" || p.ConnectionID == "" {
		return missing("userId/connectionId")
	}
	return nil
}

func (p SendMessage) validate() error {
	if p.ConversationID == "" {
		return missing("conversationId")
	}
	if len(p.Content) == 0 || string(p.Content) == "null" {
		return missing("content")
	}
	return nil
}

func (p ReceiveMessage) validate() error {
	if p.MsgID <= 0 || p.ConversationID == "" || p.SenderID == "" {
		return missing("msgId/conversationId/senderId")
	}
	return nil
}

func (p ReadStatus) validate() error {
	if p.ConversationID == "" || p.LastReadMsgID <= 0 {
		return missing("conversationId/lastReadMsgId")
	}
	return nil
}

func (Heartbeat) validate() error { return nil }

func (p Ack) validate() error {
	if p.Cursor <= 0 {
		return missing("cursor")
	}
	return nil
}

func (SyncComplete) validate() error { return nil }

func (p Error) validate() error {
	if p.Code == 0 {
		return missing("code")
	}
	return nil
}

func missing(fields string) error {
	return errs.ErrProtocol.WrapMsg("missing required field", "fields", fields)
}

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes p into its wire envelope.
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, errs.ErrProtocol.WrapMsg("nil packet")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, errs.ErrProtocol.WrapMsg("marshal payload", "type", p.Type(), "err", err)
	}
	return json.Marshal(envelope{Type: p.Type(), Payload: body})
}

// MustEncode is Encode for payloads built from trusted server state.
func MustEncode(p Packet) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one frame. The tag is checked before the payload is read;
// unknown tags, bad payloads and missing required fields are ProtocolErrors.
func Decode(raw []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.ErrProtocol.WrapMsg("unmarshal frame", "err", err)
	}

	var p Packet
	var err error
	switch env.Type {
	case TypeLoginAck:
		p, err = decodePayload[LoginAck](env.Payload)
	case TypeSendMessage:
		p, err = decodePayload[SendMessage](env.Payload)
	case TypeReceiveMessage:
		p, err = decodePayload[ReceiveMessage](env.Payload)
	case TypeReadStatus:
		p, err = decodePayload[ReadStatus](env.Payload)
	case TypeHeartbeat:
		p, err = decodePayload[Heartbeat](env.Payload)
	case TypeAck:
		p, err = decodePayload[Ack](env.Payload)
	case TypeSyncComplete:
		p, err = decodePayload[SyncComplete](env.Payload)
	case TypeError:
		p, err = decodePayload[Error](env.Payload)
	case "":
		return nil, errs.ErrProtocol.WrapMsg("missing type")
	default:
		return nil, errs.ErrProtocol.WrapMsg("unknown type", "type", env.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePayload[T Packet](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		// payload-less frames such as a bare heartbeat
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errs.ErrProtocol.WrapMsg("unmarshal payload", "type", v.Type(), "err", err)
	}
	return v, nil
}

// NewError builds an ERROR frame from any error, using its code when it has one.
func NewError(err error) Error {
	return Error{Code: errs.CodeOf(err), Message: err.Error()}
}

func NewHeartbeat(now time.Time) Heartbeat {
	return Heartbeat{Ts: now.UnixMilli()}
}
