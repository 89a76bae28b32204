package models

// PublicUser is the sender profile a server may embed in a message.
type PublicUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Name returns the label to show for the user.
func (u *PublicUser) Name() string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// TypingUser is one entry of a conversation's typing set.
type TypingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsRecording bool   `json:"isRecording"`
}
