// Package models defines the core data structures for Coo.
//
// It includes the inbound/outbound message types, delivery receipts and the
// API response envelope shared across modules.
package models

import (
	"time"
)

// InboundMessage is a single SMS (or WhatsApp) message received from a sender.
type InboundMessage struct {
	From       string    `json:"from"`
	To         string    `json:"to,omitempty"`
	Body       string    `json:"body"`
	ExternalID string    `json:"external_id,omitempty"` // provider message ID (Twilio MessageSid)
	Channel    string    `json:"channel,omitempty"`     // "sms" (default) or "whatsapp"
	ReceivedAt time.Time `json:"received_at"`
}

// HandleStatus describes how an inbound message was handled.
type HandleStatus string

const (
	// HandleStatusUnknownSender indicates the sender phone is not linked to an account.
	HandleStatusUnknownSender HandleStatus = "unknown_sender"
	// HandleStatusDuplicate indicates the provider redelivered a message already handled.
	HandleStatusDuplicate HandleStatus = "duplicate"
	// HandleStatusCancelled indicates an active multi-turn flow was cancelled.
	HandleStatusCancelled HandleStatus = "cancelled"
	// HandleStatusIntentFlow indicates the message continued an active flow.
	HandleStatusIntentFlow HandleStatus = "intent_flow"
	// HandleStatusIntentStarted indicates a new flow was started by this message.
	HandleStatusIntentStarted HandleStatus = "intent_started"
	// HandleStatusEmergency indicates the emergency reply was sent.
	HandleStatusEmergency HandleStatus = "emergency"
	// HandleStatusAnswered indicates a generated answer was sent.
	HandleStatusAnswered HandleStatus = "answered"
)

// HandleResult is returned by the orchestrator for every inbound message.
type HandleResult struct {
	Status         HandleStatus         `json:"status"`
	AccountID      string               `json:"account_id,omitempty"`
	ResponseText   string               `json:"response_text,omitempty"`
	ResponseSent   bool                 `json:"response_sent"`
	QuestionType   Category             `json:"question_type,omitempty"`
	IntentState    ConversationStateTag `json:"intent_state,omitempty"`
	ActiveEntity   *ActiveEntity        `json:"active_entity,omitempty"`
	TransportError string               `json:"transport_error,omitempty"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusQueued indicates the message was accepted for later delivery.
	MessageStatusQueued MessageStatus = "queued"
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Delivery is the transport's report for one outbound message.
type Delivery struct {
	To         string        `json:"to"`
	Status     MessageStatus `json:"status"`
	ProviderID string        `json:"provider_id,omitempty"`
}

// Receipt is a delivery status event emitted by a messaging service.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
