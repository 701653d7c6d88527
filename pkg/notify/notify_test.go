package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/mahaj/cipherline/pkg/auth"
	"github.com/mahaj/cipherline/pkg/fanout"
	"github.com/mahaj/cipherline/pkg/model"
	"github.com/mahaj/cipherline/pkg/presence"
	"github.com/mahaj/cipherline/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type peer struct {
	id, user  string
	mu        sync.Mutex
	frames    []map[string]any
	onDeliver func(frame map[string]any)
}

func (p *peer) ID() string          { return p.id }
func (p *peer) UserID() string      { return p.user }
func (p *peer) Param(string) string { return "" }
func (p *peer) Deliver(b []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(b, &frame); err != nil {
		return err
	}
	if p.onDeliver != nil {
		p.onDeliver(frame)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *peer) received() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.frames...)
}

type fixture struct {
	service  *Service
	registry *fanout.Registry
	presence *presence.RedisStore
	store    *store.BadgerStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := fanout.NewRegistry(fanout.NewLocalBus(64), log)
	require.NoError(t, registry.Start(ctx))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	presenceStore := presence.NewRedisStore(rdb)

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	s := store.NewBadgerStore(db, log)
	t.Cleanup(func() { _ = s.Close() })

	return fixture{
		service:  NewService(registry, presenceStore, s, log),
		registry: registry,
		presence: presenceStore,
		store:    s,
	}
}

func (f fixture) befriend(t *testing.T, a, b string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.AddContact(ctx, a, b))
	require.NoError(t, f.store.AddContact(ctx, b, a))
}

func hasFrame(p *peer, want map[string]any) func() bool {
	return func() bool {
		for _, frame := range p.received() {
			match := true
			for k, v := range want {
				if frame[k] != v {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
		return false
	}
}

func TestService_Open_Announces_And_Lists_Online_Contacts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.befriend(t, "alice", "bob")
	f.befriend(t, "alice", "carol")

	// Given bob is already connected
	bob := &peer{id: "bob-1", user: "bob"}
	req.NoError(f.service.Open(ctx, bob))

	// When alice connects
	alice := &peer{id: "alice-1", user: "alice"}
	req.NoError(f.service.Open(ctx, alice))

	// Then alice's first frame lists bob only
	frames := alice.received()
	req.NotEmpty(frames)
	req.Equal(string(model.TypeOnlineContacts), frames[0]["type"])
	req.Equal([]any{"bob"}, frames[0]["user_ids"])

	// And bob hears that alice is online
	req.Eventually(hasFrame(bob, map[string]any{
		"type": "online_status", "user_id": "alice", "is_online": true,
	}), time.Second, 5*time.Millisecond)

	online, err := f.presence.IsOnline(ctx, "alice")
	req.NoError(err)
	req.True(online)
	req.Equal(1, f.registry.Members(ChannelName("alice")))
}

func TestService_Open_Without_Contacts_Pushes_Empty_List(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	loner := &peer{id: "l-1", user: "loner"}

	req.NoError(f.service.Open(context.Background(), loner))

	frames := loner.received()
	req.Len(frames, 1)
	req.Equal([]any{}, frames[0]["user_ids"])
}

func TestService_Open_Rejects_Anonymous(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	err := f.service.Open(ctx, &peer{id: "anon"})
	req.ErrorIs(err, auth.ErrAuthenticationRequired)
	req.Equal(0, f.registry.Members(ChannelName("")))
	online, err := f.presence.Online(ctx, "")
	req.NoError(err)
	req.Empty(online)
}

func TestService_Close_Removes_Presence_Before_Announcing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	f.befriend(t, "alice", "bob")

	var sawOnlineAtOffline *bool
	var mu sync.Mutex
	bob := &peer{id: "bob-1", user: "bob"}
	bob.onDeliver = func(frame map[string]any) {
		if frame["type"] == "online_status" && frame["is_online"] == false {
			online, _ := f.presence.IsOnline(ctx, "alice")
			mu.Lock()
			sawOnlineAtOffline = &online
			mu.Unlock()
		}
	}
	alice := &peer{id: "alice-1", user: "alice"}
	req.NoError(f.service.Open(ctx, bob))
	req.NoError(f.service.Open(ctx, alice))

	// When alice disconnects
	f.service.Close(ctx, alice)

	// Then bob is told, and the store already agrees
	req.Eventually(hasFrame(bob, map[string]any{
		"type": "online_status", "user_id": "alice", "is_online": false,
	}), time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	req.NotNil(sawOnlineAtOffline)
	req.False(*sawOnlineAtOffline)
	req.Equal(0, f.registry.Members(ChannelName("alice")))
}

func TestService_Mark_Read_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	session := model.Session{ID: "alice_bob", Sender: "alice", Receiver: "bob"}
	for id := int64(1); id <= 3; id++ {
		req.NoError(f.store.SaveMessage(ctx, model.Message{ID: id, SessionID: session.ID, Sender: "alice", Receiver: "bob"}))
	}
	bob := &peer{id: "bob-1", user: "bob"}
	req.NoError(f.service.Open(ctx, bob))

	frame := []byte(`{"type":"mark_read","contact_id":"alice"}`)
	req.NoError(f.service.Receive(ctx, bob, frame))
	count, err := f.store.UnreadCount(ctx, "alice", "bob")
	req.NoError(err)
	req.Zero(count)

	req.NoError(f.service.Receive(ctx, bob, frame))
	count, err = f.store.UnreadCount(ctx, "alice", "bob")
	req.NoError(err)
	req.Zero(count)
}

func TestService_Receive_Rejects_Bad_Frames(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	bob := &peer{id: "bob-1", user: "bob"}

	req.ErrorIs(f.service.Receive(ctx, bob, []byte(`{"type":"dance"}`)), ErrUnknownFrame)
	req.Error(f.service.Receive(ctx, bob, []byte(`{"type":"mark_read"}`)))
	req.Error(f.service.Receive(ctx, bob, []byte(`not json`)))
}

func TestService_Notify_Unread_Reaches_Every_Connection(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	phone := &peer{id: "bob-phone", user: "bob"}
	laptop := &peer{id: "bob-laptop", user: "bob"}
	req.NoError(f.service.Open(ctx, phone))
	req.NoError(f.service.Open(ctx, laptop))

	req.NoError(f.service.NotifyUnread(ctx, "bob", "alice", 4))

	want := map[string]any{"type": "unread_message", "from_user": "alice", "unread_count": float64(4)}
	req.Eventually(hasFrame(phone, want), time.Second, 5*time.Millisecond)
	req.Eventually(hasFrame(laptop, want), time.Second, 5*time.Millisecond)
}
