package pkg

import (
	"strings"
	"time"
)

// Session is the backend-issued identity of one intake conversation.  A zero
// StartTime means the session has not been started on this client.
type Session struct {
	ID             string     `json:"session_id"`
	ConversationID string     `json:"conversation_id"`
	StartTime      time.Time  `json:"start_time"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	// MessageCap limits patient messages in this session.  Backend only.
	MessageCap int `json:"-"`
}

// Active reports whether the session carries a backend identifier.
func (s Session) Active() bool { return s.ID != "" }

// Closed reports whether the session was ended.
func (s Session) Closed() bool { return s.ClosedAt != nil }

// MessageRole describes who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	// RoleError marks a locally generated message describing a failed send.
	// It is never stored by the backend.
	RoleError MessageRole = "error"
)

// Message represents a chat message in a session.
type Message struct {
	ID        int64       `json:"id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// UrgencyLevel is the triage severity the backend assigns to a case.
type UrgencyLevel string

const (
	UrgencyLow       UrgencyLevel = "low"
	UrgencyMedium    UrgencyLevel = "medium"
	UrgencyHigh      UrgencyLevel = "high"
	UrgencyEmergency UrgencyLevel = "emergency"
	UrgencyUnknown   UrgencyLevel = "unknown"
)

var urgencyLabels = map[UrgencyLevel]string{
	UrgencyLow:       "کم",
	UrgencyMedium:    "متوسط",
	UrgencyHigh:      "بالا",
	UrgencyEmergency: "اورژانسی",
}

// ParseUrgency maps free text to a known level.  Anything unrecognised is
// UrgencyUnknown.
func ParseUrgency(s string) UrgencyLevel {
	switch l := UrgencyLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return l
	}
	return UrgencyUnknown
}

var urgencySeverity = map[UrgencyLevel]int{
	UrgencyLow:       1,
	UrgencyMedium:    2,
	UrgencyHigh:      3,
	UrgencyEmergency: 4,
}

// Severity orders levels for triage; unknown is 0.
func (u UrgencyLevel) Severity() int { return urgencySeverity[u] }

// Label returns the Persian label shown to patients.
func (u UrgencyLevel) Label() string {
	if l, ok := urgencyLabels[u]; ok {
		return l
	}
	return "نامشخص"
}

// MedicalCase is the structured summary the backend extracts from a
// conversation.  Clients treat it as a read-only snapshot.
type MedicalCase struct {
	SessionID      string            `json:"-"`
	ChiefComplaint string            `json:"chief_complaint"`
	MedicalHistory string            `json:"medical_history"`
	Medications    string            `json:"medications"`
	UrgencyLevel   UrgencyLevel      `json:"urgency_level"`
	Symptoms       map[string]string `json:"symptoms"`
	UpdatedAt      time.Time         `json:"-"`
}

// StartResponse is returned by POST /api/conversation/start/.
type StartResponse struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageRequest is the body of POST /api/conversation/message/.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// MessageResponse contains the assistant reply for a patient message.
type MessageResponse struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenResponse is returned by GET /api/conversation/start/.
type TokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// EndRequest is the body of POST /api/conversation/end/.
type EndRequest struct {
	SessionID string `json:"session_id"`
}

// EndResponse is returned when a conversation is closed.  MedicalCase is the
// final case, if one was extracted.
type EndResponse struct {
	SessionID   string       `json:"session_id"`
	ClosedAt    time.Time    `json:"closed_at"`
	MedicalCase *MedicalCase `json:"medical_case,omitempty"`
}

// SessionOverview is one row of the doctor's waiting list.
type SessionOverview struct {
	SessionID      string       `json:"session_id"`
	ConversationID string       `json:"conversation_id"`
	StartTime      time.Time    `json:"start_time"`
	ChiefComplaint string       `json:"chief_complaint"`
	UrgencyLevel   UrgencyLevel `json:"urgency_level"`
	UserMessages   int          `json:"user_messages"`
}

// SessionDetail is the doctor's view of one session.
type SessionDetail struct {
	Session     Session      `json:"session"`
	MedicalCase *MedicalCase `json:"medical_case"`
	Transcript  []Message    `json:"transcript"`
}
