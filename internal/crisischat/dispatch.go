package crisischat

import (
	"encoding/json"

	"github.com/google/uuid"
)

const (
	assistantUsername = "AI Assistant"
	assistantID       = "ai"
	assistantHandle   = "ai_assistant"

	// The gateway's demo room relays traffic under this sender name.
	systemSender = "demo"
)

// dispatch routes one inbound frame. It never panics outward: a malformed
// frame is dropped and the session keeps running.
func (s *Session) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("crisischat: recovered from frame handler", "panic", r)
		}
	}()

	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.metrics.ObserveFrame("malformed")
		s.logger.Warn("crisischat: malformed frame", "error", err)
		return
	}
	s.metrics.ObserveFrame(f.Type)

	switch f.Type {
	case frameAIResponse:
		s.handleAIResponse(f)
	case frameChatMessage:
		s.handleChatMessage(f)
	case frameCrisisAlert:
		s.handleCrisisAlert(f)
	case frameTypingIndicator:
		s.handleTypingIndicator(f)
	case frameRoomInfo:
		s.logger.Info("crisischat: room info", "room", string(f.Room))
	case frameError:
		s.handleError(f)
	default:
		s.logger.Debug("crisischat: unrecognized frame type", "type", f.Type)
	}
}

func (s *Session) handleAIResponse(f inboundFrame) {
	var msg messagePayload
	if len(f.Message) > 0 {
		if err := json.Unmarshal(f.Message, &msg); err != nil {
			s.logger.Warn("crisischat: bad ai_response payload", "error", err)
			return
		}
	}
	s.emit(TypingEvent{Active: false})
	s.emit(MessageEvent{
		ID:        uuid.NewString(),
		Content:   msg.Content,
		Sender:    assistantUsername,
		FromBot:   true,
		CreatedAt: parseTimestamp(msg.CreatedAt),
	})
	if f.ResponseType == responseTypeCrisisIntervention {
		s.emit(ResourcesEvent{Resources: CrisisResources})
	}
}

func (s *Session) handleChatMessage(f inboundFrame) {
	var msg messagePayload
	if len(f.Message) > 0 {
		if err := json.Unmarshal(f.Message, &msg); err != nil {
			s.logger.Warn("crisischat: bad chat_message payload", "error", err)
			return
		}
	}
	s.emit(TypingEvent{Active: false})

	// Never echo the user's own message back at them.
	if sender := msg.Sender; sender != nil {
		if sender.ID.String() == s.userID ||
			sender.Username == s.username ||
			sender.Username == systemSender {
			return
		}
	}

	if msg.Content == "" {
		return
	}
	var sender string
	if msg.Sender != nil {
		sender = msg.Sender.Username
	}
	s.emit(MessageEvent{
		ID:        uuid.NewString(),
		Content:   msg.Content,
		Sender:    sender,
		CreatedAt: parseTimestamp(msg.CreatedAt),
	})
}

func (s *Session) handleCrisisAlert(f inboundFrame) {
	s.emit(TypingEvent{Active: false})

	reason := defaultAlertReason
	if f.Alert != nil {
		switch {
		case f.Alert.AlertReason != "":
			reason = f.Alert.AlertReason
		case f.Alert.Message != "":
			reason = f.Alert.Message
		}
	}
	s.emit(AlertEvent{Reason: reason, Resources: normalizeResources(f.Resources)})
}

func (s *Session) handleTypingIndicator(f inboundFrame) {
	isAssistant := f.Username == assistantHandle ||
		f.Username == assistantUsername ||
		f.UserID.String() == assistantID
	if f.IsTyping && f.UserID.String() != s.userID && !isAssistant {
		s.emit(TypingEvent{Active: true, Username: f.Username})
		return
	}
	s.emit(TypingEvent{Active: false})
}

func (s *Session) handleError(f inboundFrame) {
	s.emit(TypingEvent{Active: false})
	var msg string
	if len(f.Message) > 0 {
		_ = json.Unmarshal(f.Message, &msg)
	}
	s.emit(ProtocolErrorEvent{Message: msg})
}
