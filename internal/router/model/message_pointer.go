// Package model provides data structures for the message router
package model

import "encoding/json"

// MediationType defines the type of mediation to perform
type MediationType string

const (
	// MediationTypeHTTP is HTTP-based mediation to external webhooks
	MediationTypeHTTP MediationType = "HTTP"
)

// MessagePointer contains routing and mediation information.
// This record is serialized/deserialized to/from queue messages and contains all
// information needed to route and process a message through the system.
type MessagePointer struct {
	// ID is the unique message identifier (used for deduplication)
	ID string `json:"id"`

	// PoolCode is the processing pool identifier (e.g., "POOL-HIGH", "order-service")
	PoolCode string `json:"poolCode"`

	// AuthToken is the authentication token for downstream service calls (HMAC-SHA256)
	AuthToken string `json:"authToken"`

	// MediationType is the type of mediation to perform (HTTP, etc.)
	MediationType MediationType `json:"mediationType"`

	// MediationTarget is the target endpoint URL for mediation
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID is the optional message group ID for FIFO ordering within business entities.
	// Messages with the same messageGroupId are processed sequentially,
	// while messages with different messageGroupIds are processed concurrently.
	// Examples:
	//   - "order-12345" - All events for this order process in FIFO order
	//   - "user-67890" - All events for this user process in FIFO order
	//   - empty string - Filed under the "__DEFAULT__" group, so all such
	//     messages share one FIFO group
	MessageGroupID string `json:"messageGroupId"`

	// Payload is the opaque body forwarded verbatim to the mediation target.
	Payload json.RawMessage `json:"payload,omitempty"`

	// HighPriority routes this message ahead of regular-priority messages
	// within its group's queue.
	HighPriority bool `json:"highPriority,omitempty"`

	// --- Internal fields (not serialized to queue) ---

	// BatchID is the internal batch identifier (NOT part of external contract, populated during routing).
	// Used to track messages from the same batch for FIFO ordering enforcement.
	BatchID string `json:"-"`

	// SQSMessageID is the AWS SQS internal message ID for pipeline tracking
	SQSMessageID string `json:"-"`
}

// wireMessagePointer mirrors MessagePointer's external JSON shape, accepting
// the alias keys the incoming envelope allows ("id" for messageId,
// "callbackUrl" for mediationTarget) alongside the canonical ones.
type wireMessagePointer struct {
	MessageID       string          `json:"messageId"`
	ID              string          `json:"id"`
	PoolCode        string          `json:"poolCode"`
	AuthToken       string          `json:"authToken"`
	MediationType   MediationType   `json:"mediationType"`
	MediationTarget string          `json:"mediationTarget"`
	CallbackURL     string          `json:"callbackUrl"`
	MessageGroupID  string          `json:"messageGroupId"`
	Payload         json.RawMessage `json:"payload"`
	HighPriority    bool            `json:"highPriority"`
}

// UnmarshalJSON accepts either "messageId" or "id" for the identifier and
// either "mediationTarget" or "callbackUrl" for the target.
func (p *MessagePointer) UnmarshalJSON(data []byte) error {
	var w wireMessagePointer
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id := w.MessageID
	if id == "" {
		id = w.ID
	}
	target := w.MediationTarget
	if target == "" {
		target = w.CallbackURL
	}

	p.ID = id
	p.PoolCode = w.PoolCode
	p.AuthToken = w.AuthToken
	p.MediationType = w.MediationType
	p.MediationTarget = target
	p.MessageGroupID = w.MessageGroupID
	p.Payload = w.Payload
	p.HighPriority = w.HighPriority
	return nil
}

// MediationResponse is the response from a mediation endpoint indicating whether
// the message should be acknowledged.
//
// The endpoint returns HTTP 200 with this DTO to indicate:
//   - ack: true  - Message processing is complete, ACK it and mark as success
//   - ack: false - Message is accepted but not ready to be processed yet.
//     Nack it and retry via queue visibility timeout. Optionally specify a delay.
//
// MediationResponse is the optional JSON body a downstream endpoint may return.
type MediationResponse struct {
	// Ack indicates whether the message should be acknowledged (true) or nacked for retry (false)
	Ack bool `json:"ack"`

	// Message is an optional message or reason (e.g., delay reason if ack=false)
	Message string `json:"message,omitempty"`

	// DelaySeconds is the optional delay in seconds before the message becomes visible again
	// (only used when ack=false). Valid range: 1-43200 (12 hours).
	// If nil or 0, uses default visibility timeout (30s).
	DelaySeconds *int `json:"delaySeconds,omitempty"`
}

// Constants for delay handling
const (
	// MaxDelaySeconds is the maximum delay allowed (12 hours = 43200 seconds, SQS limit)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is the default delay when none specified
	DefaultDelaySeconds = 30
)

// GetEffectiveDelaySeconds returns the effective delay in seconds, clamped to valid range.
// Returns DefaultDelaySeconds if DelaySeconds is nil or 0.
func (r *MediationResponse) GetEffectiveDelaySeconds() int {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return *r.DelaySeconds
}

