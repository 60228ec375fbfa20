// Package friends maintains the mutual friend graph: the per-user ledger of
// confirmed friends and the per-user index of pending requests. Every
// mutation touching two users' documents runs in a single store transaction.
package friends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NguyenTuan3101/ChatApp/log"
	"github.com/NguyenTuan3101/ChatApp/store"
)

const (
	UsersCollection        = "users"
	FriendsCollection      = "friends"
	RequestsCollection     = "requests"
	RequestIndexCollection = "userRequests"

	usersPerPage = 8

	DirectionSent     = "sent"
	DirectionReceived = "received"
)

var (
	ErrRequestExists = errors.New("friend request already pending")
	ErrSelfRequest   = errors.New("cannot send friend request to self")
)

// User is a row of the users collection. ID carries the document id and is
// not stored inside the document.
type User struct {
	ID          string `firestore:"-" json:"-"`
	DisplayName string `firestore:"displayName" json:"displayName"`
	Email       string `firestore:"email" json:"email"`
	PhotoURL    string `firestore:"photoURL" json:"photoURL"`
}

// Request is a live friend request. Its document id is the deterministic
// composite key fromID_toID, so a duplicate send collides instead of
// creating a second live request for the pair.
type Request struct {
	ID       string    `firestore:"-" json:"-"`
	FromID   string    `firestore:"fromId" json:"fromId"`
	ToID     string    `firestore:"toId" json:"toId"`
	SendTime time.Time `firestore:"sendTime" json:"sendTime"`
}

// IndexEntry ties a request id to the peer it involves and the direction it
// travels, as seen from the index owner.
type IndexEntry struct {
	PeerID    string `firestore:"peerId" json:"peerId"`
	Direction string `firestore:"direction" json:"direction"`
}

type requestIndex struct {
	Requests map[string]IndexEntry `firestore:"requests" json:"requests"`
}

type ledger struct {
	List []string `firestore:"list" json:"list"`
}

// RequestView is a pending request joined with the peer's user document,
// ready for list rendering.
type RequestView struct {
	Request
	Peer User
}

// Session identifies the signed-in user on whose behalf operations run.
type Session struct {
	UserID      string
	DisplayName string
	PhotoURL    string
}

// Service is the relationship ledger bound to one session.
type Service struct {
	store   store.Store
	session Session
}

func New(st store.Store, session Session) *Service {
	return &Service{store: st, session: session}
}

// RequestID returns the deterministic document id for a request from one
// user to another.
func RequestID(fromID, toID string) string {
	return fromID + "_" + toID
}

func indexRef(userID string) store.Ref {
	return store.Ref{Collection: RequestIndexCollection, ID: userID}
}

func ledgerRef(userID string) store.Ref {
	return store.Ref{Collection: FriendsCollection, ID: userID}
}

func readIndex(tx store.Tx, userID string) (requestIndex, error) {
	snap, err := tx.Get(indexRef(userID))
	if err != nil {
		return requestIndex{}, err
	}
	idx := requestIndex{Requests: map[string]IndexEntry{}}
	if snap.Exists() {
		if err := snap.DataTo(&idx); err != nil {
			return requestIndex{}, err
		}
		if idx.Requests == nil {
			idx.Requests = map[string]IndexEntry{}
		}
	}
	return idx, nil
}

func readLedger(tx store.Tx, userID string) (ledger, error) {
	snap, err := tx.Get(ledgerRef(userID))
	if err != nil {
		return ledger{}, err
	}
	var l ledger
	if snap.Exists() {
		if err := snap.DataTo(&l); err != nil {
			return ledger{}, err
		}
	}
	return l, nil
}

// SendRequest creates a request from the session user to toID and indexes it
// on both sides, all in one transaction. A live request in either direction
// fails the send.
func (s *Service) SendRequest(ctx context.Context, toID string) error {
	fromID := s.session.UserID
	if fromID == toID {
		return ErrSelfRequest
	}
	reqID := RequestID(fromID, toID)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		forward, err := tx.Get(store.Ref{Collection: RequestsCollection, ID: reqID})
		if err != nil {
			return err
		}
		reverse, err := tx.Get(store.Ref{Collection: RequestsCollection, ID: RequestID(toID, fromID)})
		if err != nil {
			return err
		}
		if forward.Exists() || reverse.Exists() {
			return ErrRequestExists
		}
		fromIdx, err := readIndex(tx, fromID)
		if err != nil {
			return err
		}
		toIdx, err := readIndex(tx, toID)
		if err != nil {
			return err
		}

		if err := tx.Set(store.Ref{Collection: RequestsCollection, ID: reqID}, Request{
			FromID:   fromID,
			ToID:     toID,
			SendTime: time.Now().UTC(),
		}); err != nil {
			return err
		}
		fromIdx.Requests[reqID] = IndexEntry{PeerID: toID, Direction: DirectionSent}
		if err := tx.Set(indexRef(fromID), fromIdx); err != nil {
			return err
		}
		toIdx.Requests[reqID] = IndexEntry{PeerID: fromID, Direction: DirectionReceived}
		return tx.Set(indexRef(toID), toIdx)
	})
	if err != nil {
		return fmt.Errorf("send request %s: %w", reqID, err)
	}
	return nil
}

// removeRequest deletes the request document and drops it from both users'
// indexes. acceptRequest layers the ledger writes on top via extra.
func (s *Service) removeRequest(ctx context.Context, requestID string, extra func(tx store.Tx, req Request) error) error {
	return s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		reqRef := store.Ref{Collection: RequestsCollection, ID: requestID}
		snap, err := tx.Get(reqRef)
		if err != nil {
			return err
		}
		if !snap.Exists() {
			return fmt.Errorf("%w: request %s", store.ErrNotFound, requestID)
		}
		var req Request
		if err := snap.DataTo(&req); err != nil {
			return err
		}
		req.ID = requestID

		fromIdx, err := readIndex(tx, req.FromID)
		if err != nil {
			return err
		}
		toIdx, err := readIndex(tx, req.ToID)
		if err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx, req); err != nil {
				return err
			}
		}

		if err := tx.Delete(reqRef); err != nil {
			return err
		}
		delete(fromIdx.Requests, requestID)
		if err := tx.Set(indexRef(req.FromID), fromIdx); err != nil {
			return err
		}
		delete(toIdx.Requests, requestID)
		return tx.Set(indexRef(req.ToID), toIdx)
	})
}

// CancelRequest withdraws a request the session user sent.
func (s *Service) CancelRequest(ctx context.Context, requestID string) error {
	if err := s.removeRequest(ctx, requestID, nil); err != nil {
		return fmt.Errorf("cancel request %s: %w", requestID, err)
	}
	return nil
}

// DenyRequest declines a received request. Same effect as a cancel: the
// request disappears and both indexes forget it.
func (s *Service) DenyRequest(ctx context.Context, requestID string) error {
	if err := s.removeRequest(ctx, requestID, nil); err != nil {
		return fmt.Errorf("deny request %s: %w", requestID, err)
	}
	return nil
}

// AcceptRequest atomically replaces a pending request by a symmetric
// friendship: the request and its index entries go away and each user
// appears in the other's ledger.
func (s *Service) AcceptRequest(ctx context.Context, requestID string) error {
	err := s.removeRequest(ctx, requestID, func(tx store.Tx, req Request) error {
		fromLedger, err := readLedger(tx, req.FromID)
		if err != nil {
			return err
		}
		toLedger, err := readLedger(tx, req.ToID)
		if err != nil {
			return err
		}
		if err := tx.Set(ledgerRef(req.FromID), ledger{List: appendOnce(fromLedger.List, req.ToID)}); err != nil {
			return err
		}
		return tx.Set(ledgerRef(req.ToID), ledger{List: appendOnce(toLedger.List, req.FromID)})
	})
	if err != nil {
		return fmt.Errorf("accept request %s: %w", requestID, err)
	}
	return nil
}

// Unfriend removes the session user and friendID from each other's ledger.
func (s *Service) Unfriend(ctx context.Context, friendID string) error {
	userID := s.session.UserID
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		mine, err := readLedger(tx, userID)
		if err != nil {
			return err
		}
		theirs, err := readLedger(tx, friendID)
		if err != nil {
			return err
		}
		if err := tx.Set(ledgerRef(userID), ledger{List: remove(mine.List, friendID)}); err != nil {
			return err
		}
		return tx.Set(ledgerRef(friendID), ledger{List: remove(theirs.List, userID)})
	})
	if err != nil {
		return fmt.Errorf("unfriend %s: %w", friendID, err)
	}
	return nil
}

// ListFriends returns one page of the session user's friends, resuming after
// lastID when set.
func (s *Service) ListFriends(ctx context.Context, lastID string) ([]User, error) {
	snap, err := s.store.Get(ctx, ledgerRef(s.session.UserID))
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	var l ledger
	if err := snap.DataTo(&l); err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	if len(l.List) == 0 {
		return nil, nil
	}
	return s.listUsers(ctx, store.Filter{Field: store.DocumentID, Op: store.OpIn, Value: l.List}, lastID)
}

// ListStrangers returns one page of users who are neither the session user,
// nor friends, nor tied to a pending request in either direction.
func (s *Service) ListStrangers(ctx context.Context, lastID string) ([]User, error) {
	exclude := []string{s.session.UserID}

	snap, err := s.store.Get(ctx, ledgerRef(s.session.UserID))
	if err != nil {
		return nil, fmt.Errorf("list strangers: %w", err)
	}
	if snap.Exists() {
		var l ledger
		if err := snap.DataTo(&l); err != nil {
			return nil, fmt.Errorf("list strangers: %w", err)
		}
		exclude = append(exclude, l.List...)
	}

	idxSnap, err := s.store.Get(ctx, indexRef(s.session.UserID))
	if err != nil {
		return nil, fmt.Errorf("list strangers: %w", err)
	}
	if idxSnap.Exists() {
		var idx requestIndex
		if err := idxSnap.DataTo(&idx); err != nil {
			return nil, fmt.Errorf("list strangers: %w", err)
		}
		for _, entry := range idx.Requests {
			exclude = append(exclude, entry.PeerID)
		}
	}

	return s.listUsers(ctx, store.Filter{Field: store.DocumentID, Op: store.OpNotIn, Value: exclude}, lastID)
}

func (s *Service) listUsers(ctx context.Context, filter store.Filter, lastID string) ([]User, error) {
	snaps, err := s.store.Query(ctx, store.Query{
		Collection: UsersCollection,
		Filters:    []store.Filter{filter},
		Limit:      usersPerPage,
		StartAfter: lastID,
	})
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	users := make([]User, 0, len(snaps))
	for _, snap := range snaps {
		var u User
		if err := snap.DataTo(&u); err != nil {
			return nil, fmt.Errorf("decode user %s: %w", snap.ID, err)
		}
		u.ID = snap.ID
		users = append(users, u)
	}
	return users, nil
}

// WatchRequests subscribes to the session user's request index. On every
// change the callback receives the pending requests resolved against their
// request and peer documents, split by direction. Requests deleted by the
// other side between the index update and the resolution are skipped.
func (s *Service) WatchRequests(ctx context.Context, fn func(sent, received []RequestView)) (func(), error) {
	return s.store.Watch(ctx, indexRef(s.session.UserID), func(snap store.Snapshot) {
		logger := log.LoggerFromContext(ctx)
		if !snap.Exists() {
			fn(nil, nil)
			return
		}
		var idx requestIndex
		if err := snap.DataTo(&idx); err != nil {
			logger.Error("decoding request index", slog.String("errorMsg", err.Error()))
			return
		}
		var sent, received []RequestView
		for reqID, entry := range idx.Requests {
			view, ok := s.resolveRequest(ctx, reqID, entry)
			if !ok {
				continue
			}
			switch entry.Direction {
			case DirectionSent:
				sent = append(sent, view)
			case DirectionReceived:
				received = append(received, view)
			}
		}
		fn(sent, received)
	})
}

func (s *Service) resolveRequest(ctx context.Context, reqID string, entry IndexEntry) (RequestView, bool) {
	reqSnap, err := s.store.Get(ctx, store.Ref{Collection: RequestsCollection, ID: reqID})
	if err != nil || !reqSnap.Exists() {
		return RequestView{}, false
	}
	var req Request
	if err := reqSnap.DataTo(&req); err != nil {
		return RequestView{}, false
	}
	req.ID = reqID

	peerSnap, err := s.store.Get(ctx, store.Ref{Collection: UsersCollection, ID: entry.PeerID})
	if err != nil || !peerSnap.Exists() {
		return RequestView{}, false
	}
	var peer User
	if err := peerSnap.DataTo(&peer); err != nil {
		return RequestView{}, false
	}
	peer.ID = entry.PeerID
	return RequestView{Request: req, Peer: peer}, true
}

func appendOnce(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
