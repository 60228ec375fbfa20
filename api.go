// Package chatapp exposes the social-chat data layer as an HTTP function:
// friend-request lifecycle, messaging and profile management on top of the
// Firestore-backed store.
package chatapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/NguyenTuan3101/ChatApp/auth"
	"github.com/NguyenTuan3101/ChatApp/contract"
	"github.com/NguyenTuan3101/ChatApp/friends"
	"github.com/NguyenTuan3101/ChatApp/log"
	"github.com/NguyenTuan3101/ChatApp/media"
	"github.com/NguyenTuan3101/ChatApp/messaging"
	"github.com/NguyenTuan3101/ChatApp/profile"
	"github.com/NguyenTuan3101/ChatApp/store"
)

const (
	ErrorMsgLogField = "errorMsg"
	userIDLogField   = "userID"
	pathLogField     = "path"
	conIDLogField    = "conID"
	requestLogField  = "requestID"

	lastIDParam = "last_id"
	conIDParam  = "con_id"

	avatarFormField      = "avatar"
	emailFormField       = "email"
	passwordFormField    = "password"
	displayNameFormField = "display_name"
	maxAvatarBytes       = 10 << 20
)

func init() {
	functions.HTTP("Api", Api)
}

// Api routes every app endpoint. Registration is the only unauthenticated
// path; everything else runs on behalf of the verified token subject.
func Api(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx).With(slog.String(pathLogField, r.URL.Path))
	ctx = log.WithLogger(ctx, logger)
	r = r.WithContext(ctx)

	if r.URL.Path == "/register" && r.Method == http.MethodPost {
		handleRegister(w, r)
		return
	}

	token, err := auth.Authenticate(r)
	if err != nil {
		logger.Error("error while authenticating", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	logger = logger.With(slog.String(userIDLogField, token.UID))
	ctx = log.WithLogger(ctx, logger)
	r = r.WithContext(ctx)

	st, err := store.NewFirestore(ctx)
	if err != nil {
		logger.Error("error while creating store", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer st.Close()

	session := sessionFromToken(token)
	friendSvc := friends.New(st, session)
	messageSvc := messaging.New(st, session)

	switch {
	case r.URL.Path == "/friends/request" && r.Method == http.MethodPost:
		handleSendRequest(w, r, friendSvc)
	case r.URL.Path == "/friends/cancel" && r.Method == http.MethodPost:
		handleRequestAction(w, r, friendSvc.CancelRequest)
	case r.URL.Path == "/friends/deny" && r.Method == http.MethodPost:
		handleRequestAction(w, r, friendSvc.DenyRequest)
	case r.URL.Path == "/friends/accept" && r.Method == http.MethodPost:
		handleRequestAction(w, r, friendSvc.AcceptRequest)
	case r.URL.Path == "/friends/unfriend" && r.Method == http.MethodPost:
		handleUnfriend(w, r, friendSvc)
	case r.URL.Path == "/friends" && r.Method == http.MethodGet:
		handleListUsers(w, r, friendSvc.ListFriends)
	case r.URL.Path == "/friends/strangers" && r.Method == http.MethodGet:
		handleListUsers(w, r, friendSvc.ListStrangers)
	case r.URL.Path == "/friends/requests/stream" && r.Method == http.MethodGet:
		handleRequestStream(w, r, friendSvc)
	case r.URL.Path == "/conversations/open" && r.Method == http.MethodPost:
		handleOpenConversation(w, r, messageSvc)
	case r.URL.Path == "/conversations/stream" && r.Method == http.MethodGet:
		handleConversationStream(w, r, messageSvc)
	case r.URL.Path == "/messages/send" && r.Method == http.MethodPost:
		handleSendMessage(w, r, messageSvc)
	case r.URL.Path == "/messages" && r.Method == http.MethodGet:
		handleListMessages(w, r, messageSvc)
	case r.URL.Path == "/inbox/stream" && r.Method == http.MethodGet:
		handleInboxStream(w, r, messageSvc)
	case r.URL.Path == "/profile" && r.Method == http.MethodPost:
		handleProfileUpdate(w, r, token.UID, st)
	case r.URL.Path == "/profile/avatar" && r.Method == http.MethodPost:
		handleAvatarUpdate(w, r, token.UID, st)
	default:
		writeError(w, http.StatusNotFound, "Not Found")
	}
}

// sessionFromToken reads the profile claims Firebase embeds in ID tokens.
func sessionFromToken(token *firebaseauth.Token) friends.Session {
	name, _ := token.Claims["name"].(string)
	picture, _ := token.Claims["picture"].(string)
	return friends.Session{UserID: token.UID, DisplayName: name, PhotoURL: picture}
}

// profileService wires the identity provider and uploader around an already
// open store; the caller owns the store's lifetime.
func profileService(ctx context.Context, st store.Store) (*profile.Service, error) {
	users, err := auth.NewUsers(ctx)
	if err != nil {
		return nil, err
	}
	uploads, err := media.New(ctx)
	if err != nil {
		return nil, err
	}
	return profile.New(users, uploads, st), nil
}

// readRegister decodes a registration from either a JSON body or, when an
// avatar is uploaded alongside, a multipart form.
func readRegister(w http.ResponseWriter, r *http.Request) (contract.RegisterRequest, multipart.File, string, bool) {
	var req contract.RegisterRequest
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		ok := readJSON(w, r, &req)
		return req, nil, "", ok
	}
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return req, nil, "", false
	}
	req.Email = r.FormValue(emailFormField)
	req.Password = r.FormValue(passwordFormField)
	req.DisplayName = r.FormValue(displayNameFormField)
	file, header, err := r.FormFile(avatarFormField)
	if err != nil {
		return req, nil, "", true
	}
	return req, file, header.Header.Get("Content-Type"), true
}

func handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	req, avatar, avatarType, ok := readRegister(w, r)
	if !ok {
		return
	}
	if avatar != nil {
		defer avatar.Close()
	}

	st, err := store.NewFirestore(ctx)
	if err != nil {
		logger.Error("error while creating store", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer st.Close()
	svc, err := profileService(ctx, st)
	if err != nil {
		logger.Error("error while wiring profile service", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	id, err := svc.Register(ctx, req.Email, req.Password, req.DisplayName, avatar, avatarType)
	if err != nil {
		logger.Error("error while registering", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusBadRequest, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, identityResponse(id))
}

func handleProfileUpdate(w http.ResponseWriter, r *http.Request, uid string, st store.Store) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	var req contract.ProfileRequest
	if !readJSON(w, r, &req) {
		return
	}
	svc, err := profileService(ctx, st)
	if err != nil {
		logger.Error("error while wiring profile service", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	id, err := svc.Update(ctx, uid, req.DisplayName, nil, "")
	if err != nil {
		logger.Error("error while updating profile", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "profile update failed")
		return
	}
	writeJSON(w, http.StatusOK, identityResponse(id))
}

func handleAvatarUpdate(w http.ResponseWriter, r *http.Request, uid string, st store.Store) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	file, header, err := r.FormFile(avatarFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing avatar file")
		return
	}
	defer file.Close()

	svc, err := profileService(ctx, st)
	if err != nil {
		logger.Error("error while wiring profile service", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	id, err := svc.Update(ctx, uid, "", file, header.Header.Get("Content-Type"))
	if err != nil {
		logger.Error("error while updating avatar", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "avatar update failed")
		return
	}
	writeJSON(w, http.StatusOK, identityResponse(id))
}

func identityResponse(id auth.Identity) contract.ProfileResponse {
	return contract.ProfileResponse{
		UID:         id.UID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
		PhotoURL:    id.PhotoURL,
	}
}

func handleSendRequest(w http.ResponseWriter, r *http.Request, svc *friends.Service) {
	var req contract.SendRequestRequest
	if !readJSON(w, r, &req) {
		return
	}
	writeOpResult(w, r, svc.SendRequest(r.Context(), req.ToUserID))
}

func handleRequestAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	var req contract.RequestActionRequest
	if !readJSON(w, r, &req) {
		return
	}
	logger := log.LoggerFromContext(r.Context()).With(slog.String(requestLogField, req.RequestID))
	ctx := log.WithLogger(r.Context(), logger)
	writeOpResult(w, r.WithContext(ctx), action(ctx, req.RequestID))
}

func handleUnfriend(w http.ResponseWriter, r *http.Request, svc *friends.Service) {
	var req contract.UnfriendRequest
	if !readJSON(w, r, &req) {
		return
	}
	writeOpResult(w, r, svc.Unfriend(r.Context(), req.FriendID))
}

func handleListUsers(w http.ResponseWriter, r *http.Request, list func(context.Context, string) ([]friends.User, error)) {
	logger := log.LoggerFromContext(r.Context())
	users, err := list(r.Context(), r.URL.Query().Get(lastIDParam))
	if err != nil {
		logger.Error("error while listing users", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, statusFor(err), "listing failed")
		return
	}
	resp := make([]contract.UserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, contract.UserResponse{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			PhotoURL:    u.PhotoURL,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleOpenConversation(w http.ResponseWriter, r *http.Request, svc *messaging.Service) {
	logger := log.LoggerFromContext(r.Context())
	var req contract.OpenConversationRequest
	if !readJSON(w, r, &req) {
		return
	}
	con, err := svc.Open(r.Context(), req.PeerID)
	if err != nil {
		logger.Error("error while opening conversation", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, statusFor(err), "open conversation failed")
		return
	}
	writeJSON(w, http.StatusOK, contract.ConversationResponse{ConID: con.ConID, LastMessage: con.LastMessage})
}

func handleSendMessage(w http.ResponseWriter, r *http.Request, svc *messaging.Service) {
	logger := log.LoggerFromContext(r.Context())
	var req contract.SendMessageRequest
	if !readJSON(w, r, &req) {
		return
	}
	logger = logger.With(slog.String(conIDLogField, req.ConID))
	msg, err := svc.Send(r.Context(), messaging.Conversation{ConID: req.ConID}, req.Text, req.PeerID)
	if err != nil {
		logger.Error("error while sending message", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, statusFor(err), "send failed")
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse(msg))
}

func handleListMessages(w http.ResponseWriter, r *http.Request, svc *messaging.Service) {
	logger := log.LoggerFromContext(r.Context())
	conID := r.URL.Query().Get(conIDParam)
	msgs, more, err := svc.Messages(r.Context(), conID, r.URL.Query().Get(lastIDParam))
	if err != nil {
		logger.Error("error while listing messages", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, statusFor(err), "listing failed")
		return
	}
	resp := contract.MessagesResponse{More: more, Messages: make([]contract.MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func messageResponse(m messaging.Message) contract.MessageResponse {
	return contract.MessageResponse{
		ID:         m.ID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Name,
		Avatar:     m.Author.Avatar,
		ConID:      m.ConID,
	}
}

// Streaming endpoints push store subscriptions to the client as
// server-sent events until the client goes away.

func handleInboxStream(w http.ResponseWriter, r *http.Request, svc *messaging.Service) {
	stream(w, r, func(ctx context.Context, emit func(any)) (func(), error) {
		return svc.WatchInbox(ctx, func(entries []messaging.Entry) {
			resp := make([]contract.InboxEntryResponse, 0, len(entries))
			for _, e := range entries {
				resp = append(resp, contract.InboxEntryResponse{
					ConID:             e.ConID,
					PeerID:            e.PeerID,
					PeerName:          e.PeerName,
					PhotoURL:          e.PhotoURL,
					LastMessText:      e.LastMessText,
					LastMessCreatedAt: e.LastMessCreatedAt.Format(time.RFC3339),
					Seen:              e.Seen,
				})
			}
			emit(resp)
		})
	})
}

func handleConversationStream(w http.ResponseWriter, r *http.Request, svc *messaging.Service) {
	conID := r.URL.Query().Get(conIDParam)
	stream(w, r, func(ctx context.Context, emit func(any)) (func(), error) {
		return svc.WatchConversation(ctx, conID, func(m messaging.Message) {
			emit(messageResponse(m))
		})
	})
}

func handleRequestStream(w http.ResponseWriter, r *http.Request, svc *friends.Service) {
	type requestList struct {
		Sent     []contract.UserResponse `json:"sent"`
		Received []contract.UserResponse `json:"received"`
	}
	views := func(in []friends.RequestView) []contract.UserResponse {
		out := make([]contract.UserResponse, 0, len(in))
		for _, v := range in {
			out = append(out, contract.UserResponse{
				ID:          v.Peer.ID,
				DisplayName: v.Peer.DisplayName,
				Email:       v.Peer.Email,
				PhotoURL:    v.Peer.PhotoURL,
			})
		}
		return out
	}
	stream(w, r, func(ctx context.Context, emit func(any)) (func(), error) {
		return svc.WatchRequests(ctx, func(sent, received []friends.RequestView) {
			emit(requestList{Sent: views(sent), Received: views(received)})
		})
	})
}

// stream runs a store subscription and forwards every emitted value as one
// SSE data frame. Navigating away cancels the request context, which stops
// the subscription.
func stream(w http.ResponseWriter, r *http.Request, subscribe func(ctx context.Context, emit func(any)) (func(), error)) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming unsupported!")
		writeError(w, http.StatusInternalServerError, "Streaming unsupported!")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(v any) {
		jsonData, err := json.Marshal(v)
		if err != nil {
			logger.Error("error while encoding event", slog.String(ErrorMsgLogField, err.Error()))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", jsonData)
		flusher.Flush()
	}

	stop, err := subscribe(ctx, emit)
	if err != nil {
		logger.Error("error while subscribing", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	defer stop()
	<-ctx.Done()
}

func writeOpResult(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		log.LoggerFromContext(r.Context()).Error("operation failed", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, statusFor(err), "operation failed")
		return
	}
	writeJSON(w, http.StatusOK, contract.StatusResponse{OK: true})
}

// statusFor maps the store/domain error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, friends.ErrRequestExists):
		return http.StatusConflict
	case errors.Is(err, friends.ErrSelfRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAborted), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		log.LoggerFromContext(r.Context()).Error("error while reading request body", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.LoggerFromContext(r.Context()).Error("error while decoding request", slog.String(ErrorMsgLogField, err.Error()))
		writeError(w, http.StatusBadRequest, "Bad Request")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(contract.ErrorResponse{Error: msg})
}
