// Package messaging creates conversations between two users, appends
// messages and keeps both participants' denormalized inbox entries in step.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/NguyenTuan3101/ChatApp/friends"
	"github.com/NguyenTuan3101/ChatApp/log"
	"github.com/NguyenTuan3101/ChatApp/store"
)

const (
	ConversationsCollection     = "conversations"
	MessagesCollection          = "messages"
	ConversationIndexCollection = "userConversations"

	messagesPerPage = 20
)

// Conversation is the shared document of one user pair. The document id is
// the sorted pair of member ids, so one pair can never own two of them.
type Conversation struct {
	ConID       string          `firestore:"-" json:"-"`
	Members     map[string]bool `firestore:"members" json:"members"`
	LastMessage string          `firestore:"lastMessage" json:"lastMessage"`
}

// Author identifies the sender embedded in a message.
type Author struct {
	ID     string `firestore:"id" json:"id"`
	Name   string `firestore:"name" json:"name"`
	Avatar string `firestore:"avatar" json:"avatar"`
}

// Message is append-only; nothing mutates it after the send commits.
type Message struct {
	ID        string    `firestore:"-" json:"-"`
	Text      string    `firestore:"text" json:"text"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
	Author    Author    `firestore:"user" json:"user"`
	ConID     string    `firestore:"conId" json:"conId"`
}

// Entry is one row of a user's inbox: the peer's identity plus a preview of
// the last message and whether the user has seen it.
type Entry struct {
	ConID             string    `firestore:"conId" json:"conId"`
	PeerID            string    `firestore:"peerId" json:"peerId"`
	PeerName          string    `firestore:"peerName" json:"peerName"`
	PhotoURL          string    `firestore:"photoURL" json:"photoURL"`
	LastMessText      string    `firestore:"lastMessText" json:"lastMessText"`
	LastMessCreatedAt time.Time `firestore:"lastMessCreatedAt" json:"lastMessCreatedAt"`
	Seen              bool      `firestore:"seen" json:"seen"`
}

type inbox struct {
	List []Entry `firestore:"list" json:"list"`
}

// Service is the messaging engine bound to one session.
type Service struct {
	store   store.Store
	session friends.Session
}

func New(st store.Store, session friends.Session) *Service {
	return &Service{store: st, session: session}
}

// ConversationID returns the deterministic document id for the unordered
// user pair.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

func inboxRef(userID string) store.Ref {
	return store.Ref{Collection: ConversationIndexCollection, ID: userID}
}

func conversationRef(conID string) store.Ref {
	return store.Ref{Collection: ConversationsCollection, ID: conID}
}

// Members reports the two participants encoded in a conversation id.
func Members(conID string) (string, string) {
	parts := strings.SplitN(conID, "_", 2)
	if len(parts) != 2 {
		return conID, ""
	}
	return parts[0], parts[1]
}

// Open returns the conversation between the session user and peerID,
// creating it empty when it does not exist yet. The get-or-create runs in a
// transaction, so a create racing a concurrent send retries and rereads
// instead of overwriting the committed document. Reopening an existing
// conversation marks the caller's inbox entry seen, best effort.
func (s *Service) Open(ctx context.Context, peerID string) (Conversation, error) {
	logger := log.LoggerFromContext(ctx)
	conID := ConversationID(s.session.UserID, peerID)
	ref := conversationRef(conID)

	var con Conversation
	var created bool
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if snap.Exists() {
			con = Conversation{}
			if err := snap.DataTo(&con); err != nil {
				return err
			}
			con.ConID = conID
			created = false
			return nil
		}
		con = Conversation{
			ConID:   conID,
			Members: map[string]bool{s.session.UserID: true, peerID: true},
		}
		created = true
		return tx.Set(ref, con)
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("open conversation %s: %w", conID, err)
	}
	if !created {
		if err := s.MarkSeen(ctx, conID); err != nil {
			// accepted lost update, the next open repairs it
			logger.Warn("marking conversation seen", slog.String("conId", conID), slog.String("errorMsg", err.Error()))
		}
	}
	return con, nil
}

// Send appends a message and, in the same transaction, moves the
// conversation's last-message pointer and upserts both participants' inbox
// entries: the sender's marked seen, the recipient's not. Sending into a
// conversation that was never opened fails with store.ErrNotFound.
func (s *Service) Send(ctx context.Context, con Conversation, text, peerID string) (Message, error) {
	msgID := s.store.NewID(MessagesCollection)
	now := time.Now().UTC()
	msg := Message{
		ID:        msgID,
		Text:      text,
		CreatedAt: now,
		Author: Author{
			ID:     s.session.UserID,
			Name:   s.session.DisplayName,
			Avatar: s.session.PhotoURL,
		},
		ConID: con.ConID,
	}

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		conSnap, err := tx.Get(conversationRef(con.ConID))
		if err != nil {
			return err
		}
		if !conSnap.Exists() {
			return fmt.Errorf("%w: conversation %s", store.ErrNotFound, con.ConID)
		}
		myInbox, err := readInbox(tx, s.session.UserID)
		if err != nil {
			return err
		}
		peerInbox, err := readInbox(tx, peerID)
		if err != nil {
			return err
		}
		peerSnap, err := tx.Get(store.Ref{Collection: friends.UsersCollection, ID: peerID})
		if err != nil {
			return err
		}
		var peer friends.User
		if peerSnap.Exists() {
			if err := peerSnap.DataTo(&peer); err != nil {
				return err
			}
		}

		if err := tx.Set(store.Ref{Collection: MessagesCollection, ID: msgID}, msg); err != nil {
			return err
		}

		var stored Conversation
		if err := conSnap.DataTo(&stored); err != nil {
			return err
		}
		stored.LastMessage = msgID
		if err := tx.Set(conversationRef(con.ConID), stored); err != nil {
			return err
		}

		myInbox.upsert(Entry{
			ConID:             con.ConID,
			PeerID:            peerID,
			PeerName:          peer.DisplayName,
			PhotoURL:          peer.PhotoURL,
			LastMessText:      text,
			LastMessCreatedAt: now,
			Seen:              true,
		})
		if err := tx.Set(inboxRef(s.session.UserID), myInbox); err != nil {
			return err
		}

		peerInbox.upsert(Entry{
			ConID:             con.ConID,
			PeerID:            s.session.UserID,
			PeerName:          s.session.DisplayName,
			PhotoURL:          s.session.PhotoURL,
			LastMessText:      text,
			LastMessCreatedAt: now,
			Seen:              false,
		})
		return tx.Set(inboxRef(peerID), peerInbox)
	})
	if err != nil {
		return Message{}, fmt.Errorf("send message in %s: %w", con.ConID, err)
	}
	return msg, nil
}

func readInbox(tx store.Tx, userID string) (*inbox, error) {
	snap, err := tx.Get(inboxRef(userID))
	if err != nil {
		return nil, err
	}
	var in inbox
	if snap.Exists() {
		if err := snap.DataTo(&in); err != nil {
			return nil, err
		}
	}
	return &in, nil
}

// upsert replaces the entry for the conversation or appends a new one.
func (in *inbox) upsert(e Entry) {
	for i := range in.List {
		if in.List[i].ConID == e.ConID {
			in.List[i] = e
			return
		}
	}
	in.List = append(in.List, e)
}

// Messages returns one page of a conversation's messages, newest first.
// more reports whether a full page came back, meaning older messages may
// remain; resume with the last returned message id as lastID.
func (s *Service) Messages(ctx context.Context, conID, lastID string) (msgs []Message, more bool, err error) {
	snaps, err := s.store.Query(ctx, store.Query{
		Collection: MessagesCollection,
		Filters:    []store.Filter{{Field: "conId", Op: store.OpEqual, Value: conID}},
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      messagesPerPage,
		StartAfter: lastID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("list messages %s: %w", conID, err)
	}
	for _, snap := range snaps {
		var m Message
		if err := snap.DataTo(&m); err != nil {
			return nil, false, fmt.Errorf("decode message %s: %w", snap.ID, err)
		}
		m.ID = snap.ID
		msgs = append(msgs, m)
	}
	// re-sort regardless of store ordering guarantees
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	return msgs, len(msgs) == messagesPerPage, nil
}

// MarkSeen flips the inbox entry for conID to seen. It is deliberately a
// plain read-modify-write, not a transaction: losing this update to a
// concurrent writer only delays the read marker.
func (s *Service) MarkSeen(ctx context.Context, conID string) error {
	ref := inboxRef(s.session.UserID)
	snap, err := s.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("mark seen %s: %w", conID, err)
	}
	if !snap.Exists() {
		return nil
	}
	var in inbox
	if err := snap.DataTo(&in); err != nil {
		return fmt.Errorf("mark seen %s: %w", conID, err)
	}
	updated := false
	for i := range in.List {
		if in.List[i].ConID == conID && !in.List[i].Seen {
			in.List[i].Seen = true
			updated = true
		}
	}
	if !updated {
		return nil
	}
	if err := s.store.Set(ctx, ref, in); err != nil {
		return fmt.Errorf("mark seen %s: %w", conID, err)
	}
	return nil
}

// WatchConversation subscribes to a conversation document and delivers its
// latest message on every change. A message authored by someone else marks
// the subscriber's inbox entry seen.
func (s *Service) WatchConversation(ctx context.Context, conID string, fn func(Message)) (func(), error) {
	return s.store.Watch(ctx, conversationRef(conID), func(snap store.Snapshot) {
		logger := log.LoggerFromContext(ctx)
		if !snap.Exists() {
			return
		}
		var con Conversation
		if err := snap.DataTo(&con); err != nil {
			logger.Error("decoding conversation", slog.String("conId", conID), slog.String("errorMsg", err.Error()))
			return
		}
		if con.LastMessage == "" {
			return
		}
		msgSnap, err := s.store.Get(ctx, store.Ref{Collection: MessagesCollection, ID: con.LastMessage})
		if err != nil || !msgSnap.Exists() {
			return
		}
		var msg Message
		if err := msgSnap.DataTo(&msg); err != nil {
			return
		}
		msg.ID = msgSnap.ID
		fn(msg)
		if msg.Author.ID != s.session.UserID {
			if err := s.MarkSeen(ctx, conID); err != nil {
				logger.Warn("marking conversation seen", slog.String("conId", conID), slog.String("errorMsg", err.Error()))
			}
		}
	})
}

// WatchInbox subscribes to the session user's conversation index and
// delivers the full list on every change.
func (s *Service) WatchInbox(ctx context.Context, fn func([]Entry)) (func(), error) {
	return s.store.Watch(ctx, inboxRef(s.session.UserID), func(snap store.Snapshot) {
		if !snap.Exists() {
			return
		}
		var in inbox
		if err := snap.DataTo(&in); err != nil {
			log.LoggerFromContext(ctx).Error("decoding inbox", slog.String("errorMsg", err.Error()))
			return
		}
		fn(in.List)
	})
}
