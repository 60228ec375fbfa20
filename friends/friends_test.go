package friends

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/NguyenTuan3101/ChatApp/store"
)

const (
	aliceID = "u1"
	bobID   = "u2"
	carolID = "u3"
)

func seedUsers(t *testing.T, mem *store.Memory, users map[string]User) {
	t.Helper()
	ctx := context.Background()
	for id, u := range users {
		if err := mem.Set(ctx, store.Ref{Collection: UsersCollection, ID: id}, u); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
}

func newPair(t *testing.T) (*store.Memory, *Service, *Service) {
	t.Helper()
	mem := store.NewMemory()
	seedUsers(t, mem, map[string]User{
		aliceID: {DisplayName: "Alice", Email: "alice@example.com"},
		bobID:   {DisplayName: "Bob", Email: "bob@example.com"},
		carolID: {DisplayName: "Carol", Email: "carol@example.com"},
	})
	alice := New(mem, Session{UserID: aliceID, DisplayName: "Alice"})
	bob := New(mem, Session{UserID: bobID, DisplayName: "Bob"})
	return mem, alice, bob
}

func loadIndex(t *testing.T, mem *store.Memory, userID string) requestIndex {
	t.Helper()
	snap, err := mem.Get(context.Background(), store.Ref{Collection: RequestIndexCollection, ID: userID})
	if err != nil {
		t.Fatalf("get index %s: %v", userID, err)
	}
	idx := requestIndex{Requests: map[string]IndexEntry{}}
	if snap.Exists() {
		if err := snap.DataTo(&idx); err != nil {
			t.Fatalf("decode index %s: %v", userID, err)
		}
	}
	return idx
}

func loadLedger(t *testing.T, mem *store.Memory, userID string) []string {
	t.Helper()
	snap, err := mem.Get(context.Background(), store.Ref{Collection: FriendsCollection, ID: userID})
	if err != nil {
		t.Fatalf("get ledger %s: %v", userID, err)
	}
	if !snap.Exists() {
		return nil
	}
	var l ledger
	if err := snap.DataTo(&l); err != nil {
		t.Fatalf("decode ledger %s: %v", userID, err)
	}
	return l.List
}

func requestExists(t *testing.T, mem *store.Memory, reqID string) bool {
	t.Helper()
	snap, err := mem.Get(context.Background(), store.Ref{Collection: RequestsCollection, ID: reqID})
	if err != nil {
		t.Fatalf("get request %s: %v", reqID, err)
	}
	return snap.Exists()
}

func TestSendRequestIndexesBothSides(t *testing.T) {
	ctx := context.Background()
	mem, alice, _ := newPair(t)

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	reqID := RequestID(aliceID, bobID)
	if !requestExists(t, mem, reqID) {
		t.Fatal("expected request document to exist")
	}

	fromIdx := loadIndex(t, mem, aliceID)
	entry, ok := fromIdx.Requests[reqID]
	if !ok {
		t.Fatal("expected sender index entry")
	}
	if entry.PeerID != bobID || entry.Direction != DirectionSent {
		t.Errorf("expected sent entry for %s, got %+v", bobID, entry)
	}

	toIdx := loadIndex(t, mem, bobID)
	entry, ok = toIdx.Requests[reqID]
	if !ok {
		t.Fatal("expected recipient index entry")
	}
	if entry.PeerID != aliceID || entry.Direction != DirectionReceived {
		t.Errorf("expected received entry for %s, got %+v", aliceID, entry)
	}
}

func TestSendRequestRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	_, alice, bob := newPair(t)

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	tests := []struct {
		name string
		send func() error
	}{
		{name: "same direction", send: func() error { return alice.SendRequest(ctx, bobID) }},
		{name: "reverse direction", send: func() error { return bob.SendRequest(ctx, aliceID) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.send(); !errors.Is(err, ErrRequestExists) {
				t.Errorf("expected ErrRequestExists, got %v", err)
			}
		})
	}
}

func TestSendRequestToSelf(t *testing.T) {
	_, alice, _ := newPair(t)
	if err := alice.SendRequest(context.Background(), aliceID); !errors.Is(err, ErrSelfRequest) {
		t.Errorf("expected ErrSelfRequest, got %v", err)
	}
}

func TestCancelRestoresPreRequestState(t *testing.T) {
	ctx := context.Background()
	mem, alice, _ := newPair(t)

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	reqID := RequestID(aliceID, bobID)
	if err := alice.CancelRequest(ctx, reqID); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}

	if requestExists(t, mem, reqID) {
		t.Error("expected request document to be deleted")
	}
	for _, userID := range []string{aliceID, bobID} {
		if idx := loadIndex(t, mem, userID); len(idx.Requests) != 0 {
			t.Errorf("expected empty index for %s, got %v", userID, idx.Requests)
		}
	}

	// a fresh send works again after the round trip
	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Errorf("SendRequest after cancel: %v", err)
	}
}

func TestDenyMissingRequest(t *testing.T) {
	_, _, bob := newPair(t)
	err := bob.DenyRequest(context.Background(), RequestID(aliceID, bobID))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAcceptCreatesSymmetricFriendship(t *testing.T) {
	ctx := context.Background()
	mem, alice, bob := newPair(t)

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	reqID := RequestID(aliceID, bobID)
	if err := bob.AcceptRequest(ctx, reqID); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	if requestExists(t, mem, reqID) {
		t.Error("expected request document to be deleted")
	}
	for _, userID := range []string{aliceID, bobID} {
		if idx := loadIndex(t, mem, userID); len(idx.Requests) != 0 {
			t.Errorf("expected empty index for %s, got %v", userID, idx.Requests)
		}
	}

	aliceFriends := loadLedger(t, mem, aliceID)
	if len(aliceFriends) != 1 || aliceFriends[0] != bobID {
		t.Errorf("expected alice ledger [%s], got %v", bobID, aliceFriends)
	}
	bobFriends := loadLedger(t, mem, bobID)
	if len(bobFriends) != 1 || bobFriends[0] != aliceID {
		t.Errorf("expected bob ledger [%s], got %v", aliceID, bobFriends)
	}
}

func TestUnfriendRemovesBothSides(t *testing.T) {
	ctx := context.Background()
	mem, alice, bob := newPair(t)

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := bob.AcceptRequest(ctx, RequestID(aliceID, bobID)); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if err := alice.Unfriend(ctx, bobID); err != nil {
		t.Fatalf("Unfriend: %v", err)
	}

	if l := loadLedger(t, mem, aliceID); len(l) != 0 {
		t.Errorf("expected empty alice ledger, got %v", l)
	}
	if l := loadLedger(t, mem, bobID); len(l) != 0 {
		t.Errorf("expected empty bob ledger, got %v", l)
	}
}

func TestListFriends(t *testing.T) {
	ctx := context.Background()
	_, alice, bob := newPair(t)

	if l, err := alice.ListFriends(ctx, ""); err != nil || len(l) != 0 {
		t.Fatalf("expected no friends, got %v (err %v)", l, err)
	}

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := bob.AcceptRequest(ctx, RequestID(aliceID, bobID)); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	list, err := alice.ListFriends(ctx, "")
	if err != nil {
		t.Fatalf("ListFriends: %v", err)
	}
	if len(list) != 1 || list[0].ID != bobID || list[0].DisplayName != "Bob" {
		t.Errorf("expected [Bob], got %v", list)
	}
}

func TestListStrangersExcludesFriendsAndPending(t *testing.T) {
	ctx := context.Background()
	_, alice, bob := newPair(t)

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	list, err := alice.ListStrangers(ctx, "")
	if err != nil {
		t.Fatalf("ListStrangers: %v", err)
	}
	if len(list) != 1 || list[0].ID != carolID {
		t.Errorf("expected only carol, got %v", list)
	}

	if err := bob.AcceptRequest(ctx, RequestID(aliceID, bobID)); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	list, err = alice.ListStrangers(ctx, "")
	if err != nil {
		t.Fatalf("ListStrangers: %v", err)
	}
	if len(list) != 1 || list[0].ID != carolID {
		t.Errorf("expected only carol after accept, got %v", list)
	}
}

func TestListStrangersPaginates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	users := map[string]User{aliceID: {DisplayName: "Alice"}}
	for i := 0; i < 10; i++ {
		users[fmt.Sprintf("s%02d", i)] = User{DisplayName: fmt.Sprintf("Stranger %d", i)}
	}
	seedUsers(t, mem, users)
	alice := New(mem, Session{UserID: aliceID, DisplayName: "Alice"})

	first, err := alice.ListStrangers(ctx, "")
	if err != nil {
		t.Fatalf("ListStrangers: %v", err)
	}
	if len(first) != usersPerPage {
		t.Fatalf("expected full page of %d, got %d", usersPerPage, len(first))
	}

	second, err := alice.ListStrangers(ctx, first[len(first)-1].ID)
	if err != nil {
		t.Fatalf("ListStrangers page 2: %v", err)
	}
	if len(second) != 10-usersPerPage {
		t.Fatalf("expected %d remaining, got %d", 10-usersPerPage, len(second))
	}
	seen := map[string]bool{}
	for _, u := range first {
		seen[u.ID] = true
	}
	for _, u := range second {
		if seen[u.ID] {
			t.Errorf("user %s appeared on both pages", u.ID)
		}
	}
}

func TestWatchRequestsResolvesPeers(t *testing.T) {
	ctx := context.Background()
	_, alice, bob := newPair(t)

	var sentLen int
	var receivedPeers []string
	stop, err := bob.WatchRequests(ctx, func(sent, received []RequestView) {
		sentLen = len(sent)
		receivedPeers = receivedPeers[:0]
		for _, v := range received {
			receivedPeers = append(receivedPeers, v.Peer.ID)
		}
	})
	if err != nil {
		t.Fatalf("WatchRequests: %v", err)
	}
	defer stop()

	if err := alice.SendRequest(ctx, bobID); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if sentLen != 0 {
		t.Errorf("expected no sent requests for bob, got %d", sentLen)
	}
	if len(receivedPeers) != 1 || receivedPeers[0] != aliceID {
		t.Errorf("expected received from alice, got %v", receivedPeers)
	}

	if err := bob.AcceptRequest(ctx, RequestID(aliceID, bobID)); err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if len(receivedPeers) != 0 {
		t.Errorf("expected empty received list after accept, got %v", receivedPeers)
	}
}
