package event

import (
	"encoding/json"
)

const KindSendMessage Kind = "send_message"

// SendRequest is a client SEND_MESSAGE stamped with the authenticated
// identity. It goes upstream for the CRUD tier to persist; the persisted
// message comes back as a ChatMessage.
type SendRequest struct {
	Type           Kind            `json:"type"`
	SenderID       string          `json:"senderId"`
	SenderDeviceID string          `json:"senderDeviceId"`
	ConversationID string          `json:"conversationId"`
	ClientMsgID    string          `json:"clientMsgId"`
	Content        json.RawMessage `json:"content"`
	ConnectionID   string          `json:"connectionId"`
	NodeID         string          `json:"nodeId"`
	Ts             int64           `json:"ts"`
}

func (r SendRequest) Marshal() ([]byte, error) {
	r.Type = KindSendMessage
	return json.Marshal(r)
}
