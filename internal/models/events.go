package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrInvalidEvent is wrapped by every validation failure in this package.
var ErrInvalidEvent = errors.New("invalid event")

type EventType string

const (
	EventTelemetry       EventType = "telemetry"
	EventDirectMessage   EventType = "direct_message"
	EventGroupMessage    EventType = "group_message"
	EventMessageDeleted  EventType = "message_deleted"
	EventChatCleared     EventType = "chat_cleared"
	EventPresenceChanged EventType = "presence_changed"
	EventForceLogout     EventType = "force_logout"
)

// Event is the unit the hub routes. Data always holds the payload type that
// matches Type; Targets lists the channels it is delivered to.
type Event struct {
	Type      EventType   `json:"type"`
	Targets   []ChannelID `json:"targets"`
	Timestamp int64       `json:"timestamp"`
	Data      EventData   `json:"data"`
}

// EventData is implemented only by the payload types of this package.
type EventData interface {
	eventType() EventType
	Validate() error
}

// Frame is what a connection receives: the event without its routing targets.
type Frame struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Specific event data structures

type TelemetryData struct {
	PrincipalID  string   `json:"principalId"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Speed        float64  `json:"speed"`
	Heading      *float64 `json:"heading,omitempty"`
	BatteryLevel float64  `json:"batteryLevel"`
	Timestamp    int64    `json:"timestamp"`
}

func (*TelemetryData) eventType() EventType { return EventTelemetry }

func (d *TelemetryData) Validate() error {
	if strings.TrimSpace(d.PrincipalID) == "" {
		return fmt.Errorf("%w: telemetry without principalId", ErrInvalidEvent)
	}
	if d.Latitude == nil || d.Longitude == nil {
		return fmt.Errorf("%w: telemetry without coordinates", ErrInvalidEvent)
	}
	if *d.Latitude < -90 || *d.Latitude > 90 || *d.Longitude < -180 || *d.Longitude > 180 {
		return fmt.Errorf("%w: telemetry coordinates out of range", ErrInvalidEvent)
	}
	return nil
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// ChatMessage holds the fields shared by direct and group messages.
type ChatMessage struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Type      MessageKind `json:"type"`
	Content   string      `json:"content"`
	CreatedAt string      `json:"createdAt"`
}

func (m *ChatMessage) validate() error {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: message needs id and senderId", ErrInvalidEvent)
	}
	if m.Type != MessageText && m.Type != MessageImage {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidEvent, m.Type)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: empty message content", ErrInvalidEvent)
	}
	return nil
}

type DirectMessageData struct {
	ChatMessage
	ReceiverID string `json:"receiverId"`
}

func (*DirectMessageData) eventType() EventType { return EventDirectMessage }

func (d *DirectMessageData) Validate() error {
	if err := d.ChatMessage.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.ReceiverID) == "" {
		return fmt.Errorf("%w: direct message without receiverId", ErrInvalidEvent)
	}
	return nil
}

type GroupMessageData struct {
	ChatMessage
	GroupID string `json:"groupId"`
}

func (*GroupMessageData) eventType() EventType { return EventGroupMessage }

func (d *GroupMessageData) Validate() error {
	if err := d.ChatMessage.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.GroupID) == "" {
		return fmt.Errorf("%w: group message without groupId", ErrInvalidEvent)
	}
	return nil
}

type MessageDeletedData struct {
	ID string `json:"id"`
}

func (*MessageDeletedData) eventType() EventType { return EventMessageDeleted }

func (d *MessageDeletedData) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: message_deleted without id", ErrInvalidEvent)
	}
	return nil
}

type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

type ChatClearedData struct {
	TargetID string   `json:"targetId"`
	Type     ChatKind `json:"type"`
}

func (*ChatClearedData) eventType() EventType { return EventChatCleared }

func (d *ChatClearedData) Validate() error {
	if strings.TrimSpace(d.TargetID) == "" {
		return fmt.Errorf("%w: chat_cleared without targetId", ErrInvalidEvent)
	}
	if d.Type != ChatDirect && d.Type != ChatGroup {
		return fmt.Errorf("%w: unknown chat type %q", ErrInvalidEvent, d.Type)
	}
	return nil
}

type PresenceData struct {
	PrincipalID string `json:"principalId"`
	Online      bool   `json:"online"`
	Timestamp   int64  `json:"timestamp"`
}

func (*PresenceData) eventType() EventType { return EventPresenceChanged }

func (d *PresenceData) Validate() error {
	if strings.TrimSpace(d.PrincipalID) == "" {
		return fmt.Errorf("%w: presence_changed without principalId", ErrInvalidEvent)
	}
	return nil
}

// Force-logout reasons sent by the hub itself.
const (
	ReasonDuplicateLogin = "duplicate_login"
	ReasonServerShutdown = "server_shutdown"
)

type ForceLogoutData struct {
	Reason string `json:"reason"`
}

func (*ForceLogoutData) eventType() EventType { return EventForceLogout }

func (d *ForceLogoutData) Validate() error {
	if strings.TrimSpace(d.Reason) == "" {
		return fmt.Errorf("%w: force_logout without reason", ErrInvalidEvent)
	}
	return nil
}

func newData(t EventType) (EventData, error) {
	switch t {
	case EventTelemetry:
		return &TelemetryData{}, nil
	case EventDirectMessage:
		return &DirectMessageData{}, nil
	case EventGroupMessage:
		return &GroupMessageData{}, nil
	case EventMessageDeleted:
		return &MessageDeletedData{}, nil
	case EventChatCleared:
		return &ChatClearedData{}, nil
	case EventPresenceChanged:
		return &PresenceData{}, nil
	case EventForceLogout:
		return &ForceLogoutData{}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, t)
}

// Validate checks the envelope and the payload. Events failing it never reach
// a connection.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if _, err := newData(e.Type); err != nil {
		return err
	}
	if e.Data == nil {
		return fmt.Errorf("%w: %s without data", ErrInvalidEvent, e.Type)
	}
	if e.Data.eventType() != e.Type {
		return fmt.Errorf("%w: %s carries %s data", ErrInvalidEvent, e.Type, e.Data.eventType())
	}
	if len(e.Targets) == 0 {
		return fmt.Errorf("%w: %s without targets", ErrInvalidEvent, e.Type)
	}
	for _, t := range e.Targets {
		if t.Kind() == KindUnknown {
			return fmt.Errorf("%w: unknown target %q", ErrInvalidEvent, t)
		}
	}
	if err := e.Data.Validate(); err != nil {
		return err
	}
	for _, implied := range DefaultTargets(e.Data) {
		if !slices.Contains(e.Targets, implied) {
			return fmt.Errorf("%w: %s must target %s", ErrInvalidEvent, e.Type, implied)
		}
	}
	return nil
}

// UnmarshalJSON decodes Data according to Type and validates the result.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      EventType       `json:"type"`
		Targets   []ChannelID     `json:"targets"`
		Timestamp int64           `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	data, err := DecodeData(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	ev := Event{Type: raw.Type, Targets: ResolveTargets(data, raw.Targets), Timestamp: raw.Timestamp, Data: data}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	*e = ev
	return nil
}

// DecodeData decodes a raw payload into the data type for t.
func DecodeData(t EventType, raw []byte) (EventData, error) {
	data, err := newData(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %s without data", ErrInvalidEvent, t)
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("%w: decode %s data: %v", ErrInvalidEvent, t, err)
	}
	return data, nil
}

// DefaultTargets derives the delivery channels implied by a payload. It
// returns nil when the payload alone does not determine them.
func DefaultTargets(data EventData) []ChannelID {
	switch d := data.(type) {
	case *TelemetryData, *PresenceData:
		return []ChannelID{AdminChannel}
	case *DirectMessageData:
		if d.ReceiverID == d.SenderID {
			return []ChannelID{PersonalChannel(d.ReceiverID)}
		}
		return []ChannelID{PersonalChannel(d.ReceiverID), PersonalChannel(d.SenderID)}
	case *GroupMessageData:
		return []ChannelID{GroupChannel(d.GroupID)}
	case *ChatClearedData:
		if d.Type == ChatGroup {
			return []ChannelID{GroupChannel(d.TargetID)}
		}
		return []ChannelID{PersonalChannel(d.TargetID)}
	}
	return nil
}

// ResolveTargets returns the channels implied by data followed by the extra
// explicit ones, without duplicates. Explicit targets widen delivery; they
// never drop an implied channel such as a direct message's sender mirror.
func ResolveTargets(data EventData, explicit []ChannelID) []ChannelID {
	implied := DefaultTargets(data)
	out := make([]ChannelID, 0, len(implied)+len(explicit))
	for _, list := range [][]ChannelID{implied, explicit} {
		for _, ch := range list {
			if !slices.Contains(out, ch) {
				out = append(out, ch)
			}
		}
	}
	return out
}

func newEvent(data EventData, targets []ChannelID) (*Event, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil data", ErrInvalidEvent)
	}
	ev := &Event{
		Type:      data.eventType(),
		Targets:   ResolveTargets(data, targets),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewTelemetry targets the admin channel; the sender need not be subscribed.
func NewTelemetry(d *TelemetryData) (*Event, error) {
	return newEvent(d, nil)
}

// NewDirectMessage targets the receiver and mirrors to the sender.
func NewDirectMessage(d *DirectMessageData) (*Event, error) {
	return newEvent(d, nil)
}

func NewGroupMessage(d *GroupMessageData) (*Event, error) {
	return newEvent(d, nil)
}

// NewMessageDeleted needs explicit targets: only the caller knows which
// conversation the message belonged to.
func NewMessageDeleted(id string, targets ...ChannelID) (*Event, error) {
	return newEvent(&MessageDeletedData{ID: id}, targets)
}

func NewChatCleared(d *ChatClearedData, targets ...ChannelID) (*Event, error) {
	return newEvent(d, targets)
}

func NewPresenceChanged(principalID string, online bool, at time.Time) (*Event, error) {
	ev, err := newEvent(&PresenceData{PrincipalID: principalID, Online: online, Timestamp: at.UnixMilli()}, nil)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = at.UnixMilli()
	return ev, nil
}

func NewForceLogout(principalID, reason string) (*Event, error) {
	return newEvent(&ForceLogoutData{Reason: reason}, []ChannelID{PersonalChannel(principalID)})
}

// Frame returns the client-facing encoding of the event.
func (e *Event) Frame() ([]byte, error) {
	return json.Marshal(Frame{Type: e.Type, Timestamp: e.Timestamp, Data: e.Data})
}

// ForceLogoutFrame encodes a force_logout notice addressed to a single
// connection, which may not be bound to any principal.
func ForceLogoutFrame(reason string, at time.Time) ([]byte, error) {
	d := &ForceLogoutData{Reason: reason}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: EventForceLogout, Timestamp: at.UnixMilli(), Data: d})
}
