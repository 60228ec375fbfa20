package contract

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type ProfileRequest struct {
	DisplayName string `json:"display_name"`
}

type ProfileResponse struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photo_url"`
}

type SendRequestRequest struct {
	ToUserID string `json:"to_user_id"`
}

type RequestActionRequest struct {
	RequestID string `json:"request_id"`
}

type UnfriendRequest struct {
	FriendID string `json:"friend_id"`
}

type UserResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photo_url"`
}

type OpenConversationRequest struct {
	PeerID string `json:"peer_id"`
}

type ConversationResponse struct {
	ConID       string `json:"con_id"`
	LastMessage string `json:"last_message"`
}

type SendMessageRequest struct {
	ConID  string `json:"con_id"`
	PeerID string `json:"peer_id"`
	Text   string `json:"text"`
}

type MessageResponse struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Avatar     string `json:"avatar"`
	ConID      string `json:"con_id"`
}

type MessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
	More     bool              `json:"more"`
}

type InboxEntryResponse struct {
	ConID             string `json:"con_id"`
	PeerID            string `json:"peer_id"`
	PeerName          string `json:"peer_name"`
	PhotoURL          string `json:"photo_url"`
	LastMessText      string `json:"last_mess_text"`
	LastMessCreatedAt string `json:"last_mess_created_at"`
	Seen              bool   `json:"seen"`
}

type StatusResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
