package models

// NoticeKind classifies notices raised for the presentation layer.
type NoticeKind string

const (
	NoticeMessageUpdated      NoticeKind = "message_updated"
	NoticeSendFailed          NoticeKind = "send_failed"
	NoticeMutationFailed      NoticeKind = "mutation_failed"
	NoticeConversationRead    NoticeKind = "conversation_read"
	NoticeTypingChanged       NoticeKind = "typing_changed"
	NoticeConnectivity        NoticeKind = "connectivity"
	NoticeHistoryLoaded       NoticeKind = "history_loaded"
	NoticeConversationCleared NoticeKind = "conversation_cleared"
)

// Notice is a local notification. It never leaves the process except through
// the local bridge.
type Notice struct {
	Kind           NoticeKind `json:"kind"`
	ConversationID string     `json:"chatId,omitempty"`
	MessageKey     string     `json:"messageKey,omitempty"`
	Op             string     `json:"op,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	Message        *Message   `json:"message,omitempty"`
}
