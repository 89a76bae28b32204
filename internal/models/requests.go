package models

// CreateMessageRequest is the body of a send call. ClientTempID lets the
// server echo the provisional id so the reply reconciles with the local entry.
type CreateMessageRequest struct {
	ChatID       string      `json:"chatId" binding:"required"`
	Content      string      `json:"content"`
	Kind         Kind        `json:"kind,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
	ReplyToID    string      `json:"replyToId,omitempty"`
	ClientTempID string      `json:"clientTempId,omitempty"`
}

// EditMessageRequest is the body of an edit call.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// ReactRequest is the body of a react call.
type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

// ReactionResult reports how the server applied a reaction toggle.
type ReactionResult struct {
	Removed  bool      `json:"removed"`
	Reaction *Reaction `json:"reaction,omitempty"`
}

// ForwardRequest is the body of a forward call.
type ForwardRequest struct {
	TargetChatID string `json:"targetChatId" binding:"required"`
}
