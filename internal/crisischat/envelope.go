package crisischat

import (
	"encoding/json"
	"strings"
	"time"
)

// Every frame in both directions is a JSON object with a "type"
// discriminator.
const (
	frameAIResponse      = "ai_response"
	frameChatMessage     = "chat_message"
	frameCrisisAlert     = "crisis_alert"
	frameTypingIndicator = "typing_indicator"
	frameRoomInfo        = "room_info"
	frameError           = "error"
	frameTyping          = "typing"

	responseTypeCrisisIntervention = "crisis_intervention"
)

// defaultAlertReason is used when a crisis_alert frame carries no reason.
const defaultAlertReason = "Crisis support has been activated for your safety."

// chatEnvelope is the outbound chat message frame.
type chatEnvelope struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	IncludeMemory bool   `json:"include_memory"`
	UseRAG        bool   `json:"use_rag"`
}

// typingEnvelope is the outbound typing signal frame.
type typingEnvelope struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// inboundFrame is the superset of all inbound frame shapes. Message stays
// raw because ai_response/chat_message carry an object while error carries
// a plain string.
type inboundFrame struct {
	Type         string            `json:"type"`
	Message      json.RawMessage   `json:"message"`
	ResponseType string            `json:"response_type"`
	Alert        *alertPayload     `json:"alert"`
	Resources    []resourcePayload `json:"resources"`
	IsTyping     bool              `json:"is_typing"`
	UserID       flexID            `json:"user_id"`
	Username     string            `json:"username"`
	Room         json.RawMessage   `json:"room"`
}

type messagePayload struct {
	Content   string         `json:"content"`
	CreatedAt string         `json:"created_at"`
	Sender    *senderPayload `json:"sender"`
}

type senderPayload struct {
	ID       flexID `json:"id"`
	Username string `json:"username"`
}

type alertPayload struct {
	AlertReason string `json:"alert_reason"`
	Message     string `json:"message"`
}

type resourcePayload struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// flexID tolerates gateways that serialize identifiers as numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*f = ""
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

// sanitizeContact strips everything but digits so the value is safe for a
// tel: link.
func sanitizeContact(contact string) string {
	var b strings.Builder
	for _, r := range contact {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseTimestamp parses a gateway created_at value, falling back to now.
func parseTimestamp(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}

func normalizeResources(payload []resourcePayload) []Resource {
	out := make([]Resource, 0, len(payload))
	for _, r := range payload {
		name := r.Name
		if name == "" {
			name = "Emergency Service"
		}
		contact := r.Contact
		if contact == "" {
			contact = "Contact Available"
		}
		out = append(out, Resource{Name: name, Contact: contact, Tel: sanitizeContact(r.Contact)})
	}
	return out
}
