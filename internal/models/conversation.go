package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextKey identifies one conversation: a sender phone within an account.
type ContextKey struct {
	AccountID string `json:"account_id"`
	Phone     string `json:"phone"`
}

// String renders the key for logs and lock striping.
func (k ContextKey) String() string {
	return k.AccountID + "|" + k.Phone
}

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageMetadata is attached to assistant messages produced by the answer path.
type MessageMetadata struct {
	QuestionType Category      `json:"question_type,omitempty"`
	ActiveEntity *ActiveEntity `json:"active_entity,omitempty"`
}

// ConversationMessage is one entry of the bounded history.
type ConversationMessage struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// ConversationStateTag names the active multi-turn flow step. The empty tag means no flow.
type ConversationStateTag string

const (
	StateNone                ConversationStateTag = ""
	StateCollectingName      ConversationStateTag = "COLLECTING_NAME"
	StateCollectingBirthdate ConversationStateTag = "COLLECTING_BIRTHDATE"
)

// IsRegistration reports whether the tag belongs to the add-a-child flow.
func (t ConversationStateTag) IsRegistration() bool {
	return t == StateCollectingName || t == StateCollectingBirthdate
}

// RegistrationStateData is the payload carried between registration steps.
type RegistrationStateData struct {
	Name string `json:"name,omitempty"`
}

// ActiveEntity is the tracked entity the conversation is currently about.
type ActiveEntity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AgeMonths *int      `json:"age_months,omitempty"`
	SetAt     time.Time `json:"set_at"`
}

// MetadataKey names a field of ContextMetadata for generic get/set/clear.
type MetadataKey string

const (
	MetadataActiveEntity      MetadataKey = "active_entity"
	MetadataConversationState MetadataKey = "conversation_state"
	MetadataStateData         MetadataKey = "state_data"
)

// ContextMetadata is the typed per-conversation metadata.
type ContextMetadata struct {
	ActiveEntity *ActiveEntity          `json:"active_entity,omitempty"`
	State        ConversationStateTag   `json:"conversation_state,omitempty"`
	StateData    *RegistrationStateData `json:"state_data,omitempty"`
}

// Get returns the value stored under key, or nil when unset.
func (m *ContextMetadata) Get(key MetadataKey) (interface{}, error) {
	switch key {
	case MetadataActiveEntity:
		if m.ActiveEntity == nil {
			return nil, nil
		}
		return m.ActiveEntity, nil
	case MetadataConversationState:
		if m.State == StateNone {
			return nil, nil
		}
		return m.State, nil
	case MetadataStateData:
		if m.StateData == nil {
			return nil, nil
		}
		return m.StateData, nil
	}
	return nil, fmt.Errorf("%w: unknown metadata key %q", ErrValidation, key)
}

// Set stores value under key. The value type must match the key.
func (m *ContextMetadata) Set(key MetadataKey, value interface{}) error {
	switch key {
	case MetadataActiveEntity:
		switch v := value.(type) {
		case *ActiveEntity:
			m.ActiveEntity = v
			return nil
		case ActiveEntity:
			m.ActiveEntity = &v
			return nil
		}
	case MetadataConversationState:
		switch v := value.(type) {
		case ConversationStateTag:
			m.State = v
			return nil
		case string:
			m.State = ConversationStateTag(v)
			return nil
		}
	case MetadataStateData:
		switch v := value.(type) {
		case *RegistrationStateData:
			m.StateData = v
			return nil
		case RegistrationStateData:
			m.StateData = &v
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown metadata key %q", ErrValidation, key)
	}
	return fmt.Errorf("%w: value of type %T not allowed for %q", ErrValidation, value, key)
}

// Clear removes the value stored under key.
func (m *ContextMetadata) Clear(key MetadataKey) error {
	switch key {
	case MetadataActiveEntity:
		m.ActiveEntity = nil
	case MetadataConversationState:
		m.State = StateNone
	case MetadataStateData:
		m.StateData = nil
	default:
		return fmt.Errorf("%w: unknown metadata key %q", ErrValidation, key)
	}
	return nil
}

// ConversationContext is the persisted state of one conversation.
type ConversationContext struct {
	Key              ContextKey            `json:"key"`
	Messages         []ConversationMessage `json:"messages"`
	Metadata         ContextMetadata       `json:"metadata"`
	MessageCount     int                   `json:"message_count"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	LastContextReset *time.Time            `json:"last_context_reset,omitempty"`
}

// NewConversationContext returns an empty context for key stamped at now.
func NewConversationContext(key ContextKey, now time.Time) *ConversationContext {
	return &ConversationContext{
		Key:       key,
		Messages:  []ConversationMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]ConversationMessage, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg
		if msg.Metadata != nil {
			md := *msg.Metadata
			md.ActiveEntity = msg.Metadata.ActiveEntity.clone()
			out.Messages[i].Metadata = &md
		}
	}
	out.Metadata.ActiveEntity = c.Metadata.ActiveEntity.clone()
	if c.Metadata.StateData != nil {
		sd := *c.Metadata.StateData
		out.Metadata.StateData = &sd
	}
	if c.LastContextReset != nil {
		t := *c.LastContextReset
		out.LastContextReset = &t
	}
	return &out
}

func (a *ActiveEntity) clone() *ActiveEntity {
	if a == nil {
		return nil
	}
	out := *a
	if a.AgeMonths != nil {
		age := *a.AgeMonths
		out.AgeMonths = &age
	}
	return &out
}

// Reset clears history and metadata in place, stamping the reset time.
func (c *ConversationContext) Reset(now time.Time) {
	c.Messages = []ConversationMessage{}
	c.Metadata = ContextMetadata{}
	c.MessageCount = 0
	c.LastContextReset = &now
	c.UpdatedAt = now
}

// Append adds msg and trims the oldest entries so at most maxMessages remain.
func (c *ConversationContext) Append(msg ConversationMessage, maxMessages int) {
	c.Messages = append(c.Messages, msg)
	if maxMessages > 0 && len(c.Messages) > maxMessages {
		trimmed := make([]ConversationMessage, maxMessages)
		copy(trimmed, c.Messages[len(c.Messages)-maxMessages:])
		c.Messages = trimmed
	}
	c.MessageCount = len(c.Messages)
	c.UpdatedAt = msg.Timestamp
}

// EncodeContextData serializes messages and metadata for the context_data column.
func EncodeContextData(c *ConversationContext) (string, error) {
	payload := contextData{Messages: c.Messages, Metadata: c.Metadata}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal context data: %w", err)
	}
	return string(b), nil
}

// DecodeContextData restores messages and metadata from the context_data column.
func DecodeContextData(data string, c *ConversationContext) error {
	var payload contextData
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal context data: %w", err)
		}
	}
	if payload.Messages == nil {
		payload.Messages = []ConversationMessage{}
	}
	c.Messages = payload.Messages
	c.Metadata = payload.Metadata
	c.MessageCount = len(c.Messages)
	return nil
}

type contextData struct {
	Messages []ConversationMessage `json:"messages"`
	Metadata ContextMetadata       `json:"metadata"`
}
