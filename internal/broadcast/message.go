package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypeDiscriminator tags every session event so unrelated traffic on a
// shared broker topic is ignored.
const TypeDiscriminator = "ledgerline.session.event"

// Kind classifies a session event.
type Kind string

// Event kinds.
const (
	KindLogin            Kind = "login"
	KindLogout           Kind = "logout"
	KindPermissionUpdate Kind = "permission-update"
)

// Source identifies which channel delivered a message.
type Source int

const (
	// SourceProfile means a sibling context on the same profile sent the
	// message. Storage is shared, so the receiver reconciles against its
	// own store rather than trusting the payload.
	SourceProfile Source = iota

	// SourceApp means a cooperating app delivered the message over the
	// broker. Storage is not shared; the payload is the only signal.
	SourceApp
)

// String returns the source name for logging.
func (s Source) String() string {
	if s == SourceProfile {
		return "profile"
	}
	return "app"
}

// Message is the discriminated event exchanged between contexts.
// Processing is idempotent per Nonce.
type Message struct {
	Type          string          `json:"type"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OriginContext string          `json:"origin_context"`
	OriginApp     string          `json:"origin_app"`
	Timestamp     time.Time       `json:"timestamp"`
	Nonce         string          `json:"nonce"`
}

// LoginPayload travels with login events for cross-app peers that cannot
// read this profile's store.
type LoginPayload struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// PermissionUpdatePayload carries the new permission list for a role, so
// peers apply it without a redundant fetch.
type PermissionUpdatePayload struct {
	Role  string   `json:"role"`
	Pages []string `json:"pages"`
}

// NewMessage builds a Message with a fresh nonce and the given payload.
func NewMessage(kind Kind, payload any, originContext, originApp string) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding broadcast payload: %w", err)
		}
		raw = encoded
	}
	return &Message{
		Type:          TypeDiscriminator,
		Kind:          kind,
		Payload:       raw,
		OriginContext: originContext,
		OriginApp:     originApp,
		Timestamp:     time.Now().UTC(),
		Nonce:         uuid.NewString(),
	}, nil
}

// DecodePermissionUpdate extracts the permission payload from a message.
func DecodePermissionUpdate(msg *Message) (*PermissionUpdatePayload, error) {
	if msg.Kind != KindPermissionUpdate {
		return nil, fmt.Errorf("message kind %q is not a permission update", msg.Kind)
	}
	var p PermissionUpdatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding permission update payload: %w", err)
	}
	return &p, nil
}

// DecodeLogin extracts the login payload from a message.
func DecodeLogin(msg *Message) (*LoginPayload, error) {
	if msg.Kind != KindLogin {
		return nil, fmt.Errorf("message kind %q is not a login", msg.Kind)
	}
	var p LoginPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding login payload: %w", err)
	}
	return &p, nil
}
