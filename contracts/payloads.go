package contracts

import (
	"encoding/json"
	"math"
)

// EventType identifies a payload variant. The values are stable wire
// identifiers and are also used as routing keys.
type EventType string

const (
	EventMessageReceived       EventType = "message.received"
	EventMessageSend           EventType = "message.send"
	EventCookieChanged         EventType = "cookie.changed"
	EventMatchEnded            EventType = "match.ended"
	EventMessengerDisconnected EventType = "messenger.disconnected"
)

// EventTypes lists every known event type
var EventTypes = []EventType{
	EventMessageReceived,
	EventMessageSend,
	EventCookieChanged,
	EventMatchEnded,
	EventMessengerDisconnected,
}

func (t EventType) String() string {
	return string(t)
}

// Valid reports whether t belongs to the closed set of event types
func (t EventType) Valid() bool {
	_, ok := payloadDecoders[t]
	return ok
}

// ChatType tells whether a chat id refers to a user or a group thread
type ChatType string

const (
	ChatUser   ChatType = "user"
	ChatThread ChatType = "thread"
)

// Valid reports whether c is user or thread
func (c ChatType) Valid() bool {
	return c == ChatUser || c == ChatThread
}

// Payload is implemented by the five payload variants only
type Payload interface {
	EventType() EventType
	Validate() error
	isPayload()
}

// payloadDecoders is the discriminated mapping from event type to schema
var payloadDecoders = map[EventType]func(json.RawMessage) (Payload, error){
	EventMessageReceived:       decodeAs[MessageReceived],
	EventMessageSend:           decodeAs[MessageSend],
	EventCookieChanged:         decodeAs[CookieChanged],
	EventMatchEnded:            decodeAs[MatchEnded],
	EventMessengerDisconnected: decodeAs[MessengerDisconnected],
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Attachment is an opaque attachment descriptor forwarded as-is
type Attachment map[string]any

// MessageReceived is published when a chat message arrives
type MessageReceived struct {
	MessageID   string       `json:"message_id"`
	UserID      string       `json:"user_id"`
	SenderID    string       `json:"sender_id"`
	Body        string       `json:"body"`
	ReplyToID   string       `json:"reply_to_id"`
	Type        ChatType     `json:"type"`
	Attachments []Attachment `json:"attachments"`
}

func (MessageReceived) EventType() EventType { return EventMessageReceived }
func (MessageReceived) isPayload()           {}

// Validate checks required fields and the chat type. sender_id and
// reply_to_id may be empty; decoding only requires them to be present.
func (m MessageReceived) Validate() error {
	t := EventMessageReceived
	for _, f := range []struct{ name, value string }{
		{"message_id", m.MessageID},
		{"user_id", m.UserID},
	} {
		if err := requireNonEmpty(t, f.name, f.value); err != nil {
			return err
		}
	}
	if !m.Type.Valid() {
		return &ValidationError{EventType: t, Field: "type", Reason: "must be user or thread"}
	}
	return nil
}

// MarshalJSON always encodes attachments as a list
func (m MessageReceived) MarshalJSON() ([]byte, error) {
	type alias MessageReceived
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	return json.Marshal(alias(m))
}

// UnmarshalJSON requires body, sender_id and reply_to_id to be present and
// defaults attachments
func (m *MessageReceived) UnmarshalJSON(data []byte) error {
	type alias MessageReceived
	aux := struct {
		*alias
		SenderID  *string `json:"sender_id"`
		Body      *string `json:"body"`
		ReplyToID *string `json:"reply_to_id"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		value *string
		dst   *string
	}{
		{"sender_id", aux.SenderID, &m.SenderID},
		{"body", aux.Body, &m.Body},
		{"reply_to_id", aux.ReplyToID, &m.ReplyToID},
	} {
		if f.value == nil {
			return required(EventMessageReceived, f.name)
		}
		*f.dst = *f.value
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	return nil
}

// MessageSend asks the bot to deliver a chat message
type MessageSend struct {
	RecipientID    string   `json:"recipient_id"`
	RecipientType  ChatType `json:"recipient_type"`
	Body           string   `json:"body"`
	AttachmentID   string   `json:"attachment_id,omitempty"`
	AttachmentType string   `json:"attachment_type,omitempty"`
}

func (MessageSend) EventType() EventType { return EventMessageSend }
func (MessageSend) isPayload()           {}

// Validate checks the recipient
func (m MessageSend) Validate() error {
	if err := requireNonEmpty(EventMessageSend, "recipient_id", m.RecipientID); err != nil {
		return err
	}
	if !m.RecipientType.Valid() {
		return &ValidationError{EventType: EventMessageSend, Field: "recipient_type", Reason: "must be user or thread"}
	}
	return nil
}

// UnmarshalJSON requires body to be present
func (m *MessageSend) UnmarshalJSON(data []byte) error {
	type alias MessageSend
	aux := struct {
		*alias
		Body *string `json:"body"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Body == nil {
		return required(EventMessageSend, "body")
	}
	m.Body = *aux.Body
	return nil
}

// CookieChanged carries a refreshed session cookie for an account
type CookieChanged struct {
	AccountID      string `json:"account_id"`
	OldCookie      string `json:"old_cookie,omitempty"`
	NewCookie      string `json:"new_cookie"`
	ForceReconnect bool   `json:"force_reconnect"`
}

func (CookieChanged) EventType() EventType { return EventCookieChanged }
func (CookieChanged) isPayload()           {}

// Validate checks the account and the new cookie
func (c CookieChanged) Validate() error {
	if err := requireNonEmpty(EventCookieChanged, "account_id", c.AccountID); err != nil {
		return err
	}
	return requireNonEmpty(EventCookieChanged, "new_cookie", c.NewCookie)
}

// UnmarshalJSON defaults force_reconnect to true when absent
func (c *CookieChanged) UnmarshalJSON(data []byte) error {
	type alias CookieChanged
	aux := struct {
		*alias
		ForceReconnect *bool `json:"force_reconnect"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.ForceReconnect = aux.ForceReconnect == nil || *aux.ForceReconnect
	return nil
}

// MatchEnded is published when a tracked player's match finishes
type MatchEnded struct {
	MatchID      string  `json:"match_id"`
	PUUID        string  `json:"puuid"`
	SummonerName string  `json:"summoner_name"`
	GameDuration int     `json:"game_duration"`
	Win          bool    `json:"win"`
	Champion     string  `json:"champion"`
	Kills        int     `json:"kills"`
	Deaths       int     `json:"deaths"`
	Assists      int     `json:"assists"`
	KDA          float64 `json:"kda"`
}

func (MatchEnded) EventType() EventType { return EventMatchEnded }
func (MatchEnded) isPayload()           {}

// Validate checks identifiers, duration and kda
func (m MatchEnded) Validate() error {
	t := EventMatchEnded
	for _, f := range []struct{ name, value string }{
		{"match_id", m.MatchID},
		{"puuid", m.PUUID},
		{"summoner_name", m.SummonerName},
		{"champion", m.Champion},
	} {
		if err := requireNonEmpty(t, f.name, f.value); err != nil {
			return err
		}
	}
	if m.GameDuration < 0 {
		return &ValidationError{EventType: t, Field: "game_duration", Reason: "must not be negative"}
	}
	if m.KDA < 0 || math.IsNaN(m.KDA) || math.IsInf(m.KDA, 0) {
		return &ValidationError{EventType: t, Field: "kda", Reason: "must be a non-negative number"}
	}
	return nil
}

// UnmarshalJSON requires game_duration and win to be present
func (m *MatchEnded) UnmarshalJSON(data []byte) error {
	type alias MatchEnded
	aux := struct {
		*alias
		GameDuration *int  `json:"game_duration"`
		Win          *bool `json:"win"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.GameDuration == nil {
		return required(EventMatchEnded, "game_duration")
	}
	if aux.Win == nil {
		return required(EventMatchEnded, "win")
	}
	m.GameDuration = *aux.GameDuration
	m.Win = *aux.Win
	return nil
}

// MessengerDisconnected is published when the realtime chat connection drops
type MessengerDisconnected struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

func (MessengerDisconnected) EventType() EventType { return EventMessengerDisconnected }
func (MessengerDisconnected) isPayload()           {}

// Validate checks the account
func (m MessengerDisconnected) Validate() error {
	return requireNonEmpty(EventMessengerDisconnected, "account_id", m.AccountID)
}
