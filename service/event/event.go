// Package event holds the durable facts the CRUD tier publishes for live
// distribution, and their schema-checked decoding from the bus.
package event

import (
	"encoding/json"

	"PPRealtime/service/protocol"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"
)

type Kind string

const (
	KindChatMessage Kind = "chat_message"
	KindReadStatus  Kind = "read_status"
)

// Event is either a ChatMessage or a ReadStatus.
type Event interface {
	Kind() Kind
	// Cursor is the durable id used for replay ordering and dedupe; zero when
	// the event does not advance a delivery cursor.
	Cursor() int64
	// Excludes reports whether the event must not be delivered to the device.
	Excludes(userID, deviceID string) bool
	// Packet is the outbound frame a recipient receives.
	Packet() protocol.Packet
	event()
}

type ChatMessage struct {
	Type           Kind            `json:"type"`
	SenderID       string          `json:"senderId"`
	SenderDeviceID string          `json:"senderDeviceId"`
	ConversationID string          `json:"conversationId"`
	ParticipantIDs []string        `json:"participantIds"`
	MsgID          int64           `json:"msgId"`
	Payload        json.RawMessage `json:"payload"`
}

type ReadStatus struct {
	Type           Kind   `json:"type"`
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

func (ChatMessage) Kind() Kind { return KindChatMessage }
func (ReadStatus) Kind() Kind  { return KindReadStatus }
func (ChatMessage) event()     {}
func (ReadStatus) event()      {}

func (e ChatMessage) Cursor() int64 { return e.MsgID }
func (ReadStatus) Cursor() int64    { return 0 }

// Excludes drops only the originating device; the sender's other devices
// still get the message.
func (e ChatMessage) Excludes(userID, deviceID string) bool {
	return userID == e.SenderID && deviceID == e.SenderDeviceID
}

// Excludes drops every device except the reader's other devices.
func (e ReadStatus) Excludes(userID, deviceID string) bool {
	return userID != e.UserID || deviceID == e.DeviceID
}

func (e ChatMessage) Packet() protocol.Packet {
	return protocol.ReceiveMessage{
		MsgID:          e.MsgID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SenderDeviceID: e.SenderDeviceID,
		Payload:        e.Payload,
	}
}

func (e ReadStatus) Packet() protocol.Packet {
	return protocol.ReadStatus{
		ConversationID: e.ConversationID,
		LastReadMsgID:  e.LastReadMsgID,
		UserID:         e.UserID,
		DeviceID:       e.DeviceID,
	}
}

func (e ChatMessage) validate() error {
	if e.SenderID == "" || e.ConversationID == "" || e.MsgID <= 0 {
		return errs.ErrBusParse.WrapMsg("chat_message missing senderId/conversationId/msgId")
	}
	return nil
}

func (e ReadStatus) validate() error {
	if e.UserID == "" || e.DeviceID == "" || e.ConversationID == "" || e.LastReadMsgID <= 0 {
		return errs.ErrBusParse.WrapMsg("read_status missing userId/deviceId/conversationId/lastReadMsgId")
	}
	return nil
}

// Parse decodes one raw bus message into its variant. Anything that does not
// match a variant's schema is a BusParseError.
func Parse(raw []byte) (Event, error) {
	m, err := decode.ReadObject(raw)
	if err != nil {
		return nil, errs.ErrBusParse.WrapMsg(err.Error())
	}
	typ, err := decode.ReadString(m, "type")
	if err != nil {
		return nil, errs.ErrBusParse.WrapMsg(err.Error())
	}

	switch Kind(typ) {
	case KindChatMessage:
		ev, err := decode.DecodeMap[ChatMessage](m)
		if err != nil {
			return nil, errs.ErrBusParse.WrapMsg(err.Error(), "type", typ)
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return *ev, nil
	case KindReadStatus:
		ev, err := decode.DecodeMap[ReadStatus](m)
		if err != nil {
			return nil, errs.ErrBusParse.WrapMsg(err.Error(), "type", typ)
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return *ev, nil
	default:
		return nil, errs.ErrBusParse.WrapMsg("unknown event type", "type", typ)
	}
}

// Marshal is the inverse of Parse; the type field is always set from Kind.
func Marshal(e Event) ([]byte, error) {
	switch v := e.(type) {
	case ChatMessage:
		v.Type = KindChatMessage
		return json.Marshal(v)
	case ReadStatus:
		v.Type = KindReadStatus
		return json.Marshal(v)
	default:
		return nil, errs.ErrBusParse.WrapMsg("unknown event")
	}
}
