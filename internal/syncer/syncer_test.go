package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/relay"
	"lanchat/internal/rooms"
	"lanchat/internal/store/memstore"
	"lanchat/internal/transport"
	"lanchat/internal/wire"
)

func newRelay(t *testing.T) *transport.Client {
	t.Helper()
	srv := relay.NewServer(zap.NewNop().Sugar(), relay.NewState(0))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return transport.NewClient(ts.URL)
}

func newSyncer(t *testing.T, client *transport.Client, name string, admin bool) *Synchronizer {
	t.Helper()
	self := model.Peer{ID: mustID(t), DisplayName: name, IsAdmin: admin}
	return New(zap.NewNop(), client, memstore.New(), NewState(self), nil, 0)
}

func TestRegisterAndSend(t *testing.T) {
	t.Parallel()
	client := newRelay(t)
	ctx := context.Background()

	s := newSyncer(t, client, "admin", true)
	require.NoError(t, s.Register(ctx))

	m, err := s.Send(ctx, nil, "hello everyone")
	require.NoError(t, err)
	require.True(t, m.Acked())
	require.Equal(t, int64(1), s.State().LastSeq())
}

// A non-admin send on the global channel is rejected client-side: no relay
// call is made and the local message list stays unchanged.
func TestSend_GlobalWriteGate(t *testing.T) {
	t.Parallel()
	client := newRelay(t)
	ctx := context.Background()

	admin := newSyncer(t, client, "admin", true)
	require.NoError(t, admin.Register(ctx))
	user := newSyncer(t, client, "user", false)
	require.NoError(t, user.Register(ctx))

	_, err := user.Send(ctx, nil, "let me in")
	require.ErrorIs(t, err, errs.ErrForbidden)
	require.Empty(t, user.State().Messages())

	// the relay never saw a message either
	snap, err := client.GetState(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
}

func TestPoll_DeliversToOtherPeer(t *testing.T) {
	t.Parallel()
	client := newRelay(t)
	ctx := context.Background()

	a := newSyncer(t, client, "a", true)
	b := newSyncer(t, client, "b", false)
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	_, err := a.Send(ctx, nil, "first")
	require.NoError(t, err)
	_, err = a.Send(ctx, nil, "second")
	require.NoError(t, err)

	b.pollOnce(ctx)
	got := b.State().Messages()
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0].Content)
	require.Equal(t, "second", got[1].Content)

	// an overlapping poll replaying the full history must not duplicate
	hb, err := client.Heartbeat(ctx, wire.Heartbeat{UserID: b.State().Self().ID, LastSeq: 0})
	require.NoError(t, err)
	b.absorbMessages(ctx, hb.Messages)
	require.Len(t, b.State().Messages(), 2)

	// presence snapshot carries both peers
	require.Len(t, b.State().Online(), 2)
}

// After a relay restart the re-registered client must follow the new relay's
// sequence numbering; a cursor carried over from the previous epoch would
// filter every post-restart message out of the delta.
func TestPoll_RecoversAfterRelayRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var handler atomic.Value
	handler.Store(http.Handler(relay.NewServer(zap.NewNop().Sugar(), relay.NewState(0)).Router()))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	client := transport.NewClient(ts.URL)

	a := newSyncer(t, client, "admin", true)
	b := newSyncer(t, client, "b", false)
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	for i := 0; i < 5; i++ {
		_, err := a.Send(ctx, nil, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	b.pollOnce(ctx)
	require.Equal(t, int64(5), b.State().LastSeq())
	require.Len(t, b.State().Messages(), 5)

	// the relay process restarts: all state gone, sequencing starts over
	handler.Store(http.Handler(relay.NewServer(zap.NewNop().Sugar(), relay.NewState(0)).Router()))

	// the next poll of each peer hits the 404 and re-registers
	a.pollOnce(ctx)
	b.pollOnce(ctx)
	require.Equal(t, int64(0), b.State().LastSeq(), "cursor follows the new epoch")

	_, err := a.Send(ctx, nil, "post-restart")
	require.NoError(t, err)

	b.pollOnce(ctx)
	got := b.State().Messages()
	require.Len(t, got, 6)
	var seen bool
	for _, m := range got {
		if m.Content == "post-restart" {
			seen = true
		}
	}
	require.True(t, seen, "post-restart message delivered")
	require.Equal(t, int64(1), b.State().LastSeq())
}

func TestPoll_SurvivesRelayErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// client pointed at nothing: every poll fails, none is fatal
	s := newSyncer(t, transport.NewClient("http://127.0.0.1:1"), "a", false)
	s.pollOnce(ctx)
	s.pollOnce(ctx)
	require.Empty(t, s.State().Messages())
}

func TestSend_StoredLocallyDespiteTransportFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSyncer(t, transport.NewClient("http://127.0.0.1:1"), "admin", true)

	m, err := s.Send(ctx, nil, "queued locally")
	require.NoError(t, err)
	require.False(t, m.Acked())

	got := s.State().Messages()
	require.Len(t, got, 1)
	require.Equal(t, "queued locally", got[0].Content)
}

func TestRoomsAndInvites(t *testing.T) {
	t.Parallel()
	client := newRelay(t)
	ctx := context.Background()

	owner := newSyncer(t, client, "owner", false)
	joiner := newSyncer(t, client, "joiner", false)
	require.NoError(t, owner.Register(ctx))
	require.NoError(t, joiner.Register(ctx))

	room, err := owner.CreateRoom(ctx, "den", false, nil)
	require.NoError(t, err)
	require.True(t, room.HasParticipant(owner.State().Self().ID))

	// room posts work for participants
	m, err := owner.Send(ctx, &room.ID, "welcome")
	require.NoError(t, err)
	require.True(t, m.Acked())

	// invite round trip: joiner learns the room via poll, then redeems
	joiner.pollOnce(ctx)
	code, err := rooms.EncodeInvite(room, owner.State().Self().ID)
	require.NoError(t, err)
	joined, err := joiner.RedeemInvite(ctx, code)
	require.NoError(t, err)
	require.True(t, joined.HasParticipant(joiner.State().Self().ID))
}

func TestRedeemInvite_UnknownRoomIsProvisional(t *testing.T) {
	t.Parallel()
	client := newRelay(t)
	ctx := context.Background()

	owner := newSyncer(t, client, "owner", false)
	joiner := newSyncer(t, client, "joiner", false)
	require.NoError(t, owner.Register(ctx))
	require.NoError(t, joiner.Register(ctx))

	room, err := owner.CreateRoom(ctx, "secret", false, nil)
	require.NoError(t, err)
	code, err := rooms.EncodeInvite(room, owner.State().Self().ID)
	require.NoError(t, err)

	// joiner never polled, so the room is unknown locally
	joined, err := joiner.RedeemInvite(ctx, code)
	require.NoError(t, err)
	require.False(t, joined.IsPublic)
	require.True(t, joined.HasParticipant(joiner.State().Self().ID))
}
