package crisischat

import "time"

// Resource is a crisis support contact offered to the user.
type Resource struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Tel     string `json:"tel"` // digits only, safe for tel: links
}

// FallbackResources are surfaced when the gateway is unreachable. Losing
// crisis-chat connectivity must never be a silent dead end.
var FallbackResources = []Resource{
	{Name: "988 Suicide & Crisis Lifeline", Contact: "988", Tel: "988"},
	{Name: "Emergency Services", Contact: "911", Tel: "911"},
	{Name: "Crisis Text Line", Contact: "Text HOME to 741741", Tel: "741741"},
}

// CrisisResources accompany a crisis_intervention response.
var CrisisResources = []Resource{
	{Name: "988 Lifeline", Contact: "988", Tel: "988"},
	{Name: "Crisis Text Line", Contact: "Text HOME to 741741", Tel: "741741"},
}

// Event is a session event delivered on Session.Events. The types below are
// the only implementations.
type Event interface {
	event()
}

// StatusEvent reports a connection state change.
type StatusEvent struct {
	Status Status
	Detail string
	// Attempt is the reconnect attempt number when reconnecting, 0 otherwise.
	Attempt int
}

// MessageEvent is a chat message received from the gateway.
type MessageEvent struct {
	ID        string
	Content   string
	Sender    string
	FromBot   bool
	CreatedAt time.Time
}

// AlertEvent means the gateway escalated the conversation to a crisis alert.
type AlertEvent struct {
	Reason    string
	Resources []Resource
}

// ResourcesEvent asks the presentation layer to show crisis resources.
type ResourcesEvent struct {
	Resources []Resource
}

// TypingEvent reports the remote participant's typing state.
type TypingEvent struct {
	Active   bool
	Username string
}

// ProtocolErrorEvent is an error frame reported by the gateway.
type ProtocolErrorEvent struct {
	Message string
}

// FailedEvent is terminal: the reconnect budget is exhausted. Resources
// carries direct crisis contact information for the fallback UI.
type FailedEvent struct {
	Resources []Resource
}

func (StatusEvent) event()        {}
func (MessageEvent) event()       {}
func (AlertEvent) event()         {}
func (ResourcesEvent) event()     {}
func (TypingEvent) event()        {}
func (ProtocolErrorEvent) event() {}
func (FailedEvent) event()        {}
