package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/mahaj/cipherline/pkg/auth"
	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/presence"
	"github.com/mahaj/cipherline/pkg/snowflake"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type unreadPush struct {
	receiver, sender string
	count            int64
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushes []unreadPush
}

func (f *fakeNotifier) NotifyUnread(_ context.Context, receiverID, senderID string, unreadCount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, unreadPush{receiverID, senderID, unreadCount})
	return nil
}

func (f *fakeNotifier) sent() []unreadPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]unreadPush(nil), f.pushes...)
}

type fixture struct {
	server   *httptest.Server
	store    store.Store
	presence presence.Store
	notifier *fakeNotifier
}

// flakyStore fails the next welcome save once armed.
type flakyStore struct {
	store.Store
	failSave atomic.Bool
}

func (f *flakyStore) SaveMessage(ctx context.Context, msg model.Message) error {
	if f.failSave.CompareAndSwap(true, false) {
		return errors.New("scylla timeout")
	}
	return f.Store.SaveMessage(ctx, msg)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, func(st store.Store) store.Store { return st })
}

func newFixtureWith(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	st := store.NewBadgerStore(db, log)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{store: wrap(st), presence: presence.NewRedisStore(rdb), notifier: &fakeNotifier{}}
	srv := &Server{
		store:    f.store,
		presence: f.presence,
		notifier: f.notifier,
		issuer:   auth.NewIssuer("api-test", time.Hour),
		ids:      node,
		location: time.UTC,
		log:      log,
	}
	f.server = httptest.NewServer(srv.Routes())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) login(t *testing.T, userID, publicKey string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/login", "", LoginRequest{UserID: userID, PublicKey: publicKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func acceptBody(requester string) AcceptRequest {
	return AcceptRequest{
		Username:                requester,
		Nonce:                   "bm9uY2U=",
		KeyEncryptedSender:      "key-for-acceptor",
		KeyEncryptedReceiver:    "key-for-requester",
		EncryptedWelcomeMessage: "d2VsY29tZQ==",
	}
}

func TestLogin_Registers_User_And_Keeps_Key(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	f.login(t, "alice", "pk-alice")
	// Later logins, with or without a key, never touch the stored one
	f.login(t, "alice", "")
	f.login(t, "alice", "pk-mallory")

	user, err := f.store.GetUser(context.Background(), "alice")
	req.NoError(err)
	req.Equal("pk-alice", user.PublicKey)

	resp := f.do(t, http.MethodPost, "/login", "", map[string]string{})
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_Rejects_Separator_In_Id(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// a + b_c and a_b + c would share session and channel names
	resp := f.do(t, http.MethodPost, "/login", "", LoginRequest{UserID: "b_c"})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	_, err := f.store.GetUser(context.Background(), "b_c")
	req.ErrorIs(err, store.ErrNotFound)
}

func TestRotateKey_Needs_Own_Token(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice", "pk-alice")

	resp := f.do(t, http.MethodPut, "/keys", "", RotateKeyRequest{PublicKey: "pk-mallory"})
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/keys", alice, RotateKeyRequest{PublicKey: "pk-alice-2"})
	req.Equal(http.StatusNoContent, resp.StatusCode)

	user, err := f.store.GetUser(context.Background(), "alice")
	req.NoError(err)
	req.Equal("pk-alice-2", user.PublicKey)
}

func TestAcceptContact_Creates_Session_Contacts_And_Welcome(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.login(t, "bob", "pk-bob")
	f.login(t, "alice", "pk-alice")

	// Bob accepts Alice's request
	resp := f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice"))
	req.Equal(http.StatusCreated, resp.StatusCode)
	var out AcceptResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Equal("bob_alice", out.SessionID)

	ctx := context.Background()
	contacts, err := f.store.Contacts(ctx, "alice")
	req.NoError(err)
	req.Equal([]string{"bob"}, contacts)
	contacts, err = f.store.Contacts(ctx, "bob")
	req.NoError(err)
	req.Equal([]string{"alice"}, contacts)

	history, err := f.store.History(ctx, "bob_alice")
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("d2VsY29tZQ==", history[0].Content)
	req.Equal([]unreadPush{{receiver: "alice", sender: "bob", count: 1}}, f.notifier.sent())

	// Accepting again from either side conflicts
	alice := f.login(t, "alice", "")
	resp = f.do(t, http.MethodPost, "/contacts/accept", alice, acceptBody("bob"))
	req.Equal(http.StatusConflict, resp.StatusCode)
}

func TestAcceptContact_Rejects_Bad_Targets(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.login(t, "bob", "pk-bob")

	resp := f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("bob"))
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("ghost"))
	req.Equal(http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/contacts/accept", "", acceptBody("alice"))
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestLookupSession_Returns_Callers_Wrapped_Key(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.login(t, "bob", "pk-bob")
	alice := f.login(t, "alice", "pk-alice")
	req.Equal(http.StatusCreated, f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice")).StatusCode)

	var out LookupResponse
	resp := f.do(t, http.MethodPost, "/sessions/lookup", alice, LookupRequest{Contact: "bob"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Equal(LookupResponse{SessionID: "bob_alice", AESKey: "key-for-requester", Uname: "bob"}, out)

	resp = f.do(t, http.MethodPost, "/sessions/lookup", bob, LookupRequest{Contact: "alice"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Equal(LookupResponse{SessionID: "bob_alice", AESKey: "key-for-acceptor", Uname: "alice"}, out)

	resp = f.do(t, http.MethodPost, "/sessions/lookup", bob, LookupRequest{Contact: "carol"})
	req.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestHistory_Marks_Sent_Messages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.login(t, "bob", "pk-bob")
	alice := f.login(t, "alice", "pk-alice")
	req.Equal(http.StatusCreated, f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice")).StatusCode)

	var entries []HistoryEntry
	resp := f.do(t, http.MethodGet, "/history?contact=bob", alice, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&entries))
	req.Len(entries, 1)
	req.Equal("bob", entries[0].Sender)
	req.False(entries[0].IsSent)
	req.Len(entries[0].Timestamp, len("03:04 PM"))

	resp = f.do(t, http.MethodGet, "/history?contact=bob", bob, nil)
	req.Equal(http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/history", alice, nil)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestConversations_And_MarkRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	bob := f.login(t, "bob", "pk-bob")
	alice := f.login(t, "alice", "pk-alice")
	req.Equal(http.StatusCreated, f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice")).StatusCode)
	req.NoError(f.presence.Add(context.Background(), "bob"))

	var conversations []Conversation
	resp := f.do(t, http.MethodGet, "/conversations", alice, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&conversations))
	req.Equal([]Conversation{{UserID: "alice", OtherUserID: "bob", UnreadCount: 1, Online: true}}, conversations)

	resp = f.do(t, http.MethodPost, "/conversations/read", alice, ReadRequest{OtherUserID: "bob"})
	req.Equal(http.StatusOK, resp.StatusCode)

	count, err := f.store.UnreadCount(context.Background(), "bob", "alice")
	req.NoError(err)
	req.Zero(count)
}

func TestPublicKeys_And_Presence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.login(t, "alice", "pk-alice")
	f.login(t, "bob", "pk-bob")

	var keys KeysResponse
	resp := f.do(t, http.MethodGet, "/keys?contact=bob", alice, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&keys))
	req.Equal(KeysResponse{PublicKeySender: "pk-alice", PublicKeyReceiver: "pk-bob"}, keys)

	resp = f.do(t, http.MethodGet, "/keys?contact=ghost", alice, nil)
	req.Equal(http.StatusNotFound, resp.StatusCode)

	var status PresenceResponse
	resp = f.do(t, http.MethodGet, "/presence?user=bob", alice, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&status))
	req.False(status.IsOnline)

	req.NoError(f.presence.Add(context.Background(), "bob"))
	resp = f.do(t, http.MethodGet, "/presence?user=bob", alice, nil)
	req.NoError(json.NewDecoder(resp.Body).Decode(&status))
	req.True(status.IsOnline)
}

func TestAcceptContact_Retry_Completes_After_Failed_Welcome(t *testing.T) {
	req := require.New(t)
	flaky := &flakyStore{}
	f := newFixtureWith(t, func(st store.Store) store.Store {
		flaky.Store = st
		return flaky
	})
	bob := f.login(t, "bob", "pk-bob")
	f.login(t, "alice", "pk-alice")

	// Given the first attempt dies after the session is created
	flaky.failSave.Store(true)
	resp := f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice"))
	req.Equal(http.StatusInternalServerError, resp.StatusCode)

	// Then a retry with other keys conflicts
	other := acceptBody("alice")
	other.KeyEncryptedSender = "another-key"
	resp = f.do(t, http.MethodPost, "/contacts/accept", bob, other)
	req.Equal(http.StatusConflict, resp.StatusCode)

	// And the same request finishes the acceptance
	resp = f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice"))
	req.Equal(http.StatusCreated, resp.StatusCode)

	ctx := context.Background()
	contacts, err := f.store.Contacts(ctx, "alice")
	req.NoError(err)
	req.Equal([]string{"bob"}, contacts)
	history, err := f.store.History(ctx, "bob_alice")
	req.NoError(err)
	req.Len(history, 1)

	// And once complete, it conflicts for good
	resp = f.do(t, http.MethodPost, "/contacts/accept", bob, acceptBody("alice"))
	req.Equal(http.StatusConflict, resp.StatusCode)
}
