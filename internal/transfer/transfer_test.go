package transfer

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lanchat/internal/crypto/peercrypto"
	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/relay"
	"lanchat/internal/transport"
	"lanchat/internal/wire"
)

func mustID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func newRelay(t *testing.T) *transport.Client {
	t.Helper()
	srv := relay.NewServer(zap.NewNop().Sugar(), relay.NewState(0))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return transport.NewClient(ts.URL)
}

type fixedKey struct {
	key model.RoomKey
	ok  bool
}

func (f fixedKey) ActiveKey() (model.RoomKey, bool) { return f.key, f.ok }

type captureSender struct {
	roomID *uuid.UUID
	text   string
	calls  int
}

func (c *captureSender) Send(_ context.Context, roomID *uuid.UUID, text string) (model.Message, error) {
	c.roomID, c.text = roomID, text
	c.calls++
	return model.Message{}, nil
}

func sharedKey(t *testing.T) fixedKey {
	t.Helper()
	key, err := peercrypto.NewRoomKey()
	require.NoError(t, err)
	return fixedKey{key: key, ok: true}
}

func TestChunkCount(t *testing.T) {
	t.Parallel()
	cases := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 64, 1}, // zero-byte files still occupy one chunk
		{1, 64, 1},
		{64, 64, 1},
		{65, 64, 2},
		{128, 64, 2},
		{129, 64, 3},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ChunkCount(c.size, c.chunkSize), "size=%d", c.size)
	}
}

func TestSendReceive_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	senderID, receiverID := mustID(t), mustID(t)

	msgs := &captureSender{}
	sender := New(zap.NewNop(), client, key, msgs, senderID, Config{ChunkSize: 8, OutDir: t.TempDir()})
	receiver := New(zap.NewNop(), client, key, nil, receiverID, Config{ChunkSize: 8, OutDir: t.TempDir()})

	payload := []byte("this payload spans several eight-byte chunks")
	sent, err := sender.Send(ctx, "notes.txt", payload, model.Scoped(receiverID), nil)
	require.NoError(t, err)
	require.Equal(t, model.TransferCompleted, sent.Status)
	require.Equal(t, ChunkCount(int64(len(payload)), 8), sent.TotalChunks)

	// completion emitted a reference message into the same channel
	require.Equal(t, 1, msgs.calls)
	require.Contains(t, msgs.text, sent.ID.String())
	require.Contains(t, msgs.text, "notes.txt")

	// drive receive cycles until every chunk is in (batch is bounded per cycle)
	for i := 0; i < 10; i++ {
		receiver.cycle(ctx)
	}
	got, err := receiver.Assemble(sent.ID)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "byte-exact reassembly")

	path, ok := receiver.ArtifactPath(sent.ID)
	require.True(t, ok)
	require.NotEmpty(t, path)
}

func TestReceive_IdempotentChunkIngestion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	senderID, receiverID := mustID(t), mustID(t)

	sender := New(zap.NewNop(), client, key, nil, senderID, Config{ChunkSize: 4, OutDir: t.TempDir()})
	receiver := New(zap.NewNop(), client, key, nil, receiverID, Config{ChunkSize: 4, OutDir: t.TempDir()})

	payload := []byte("duplicate announcements must not corrupt")
	sent, err := sender.Send(ctx, "dup.bin", payload, model.Broadcast(), nil)
	require.NoError(t, err)

	// overlapping polls: run many more cycles than needed
	for i := 0; i < 25; i++ {
		receiver.cycle(ctx)
	}
	first, err := receiver.Assemble(sent.ID)
	require.NoError(t, err)

	// reassembling twice produces byte-identical artifacts
	second, err := receiver.Assemble(sent.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, payload, first)
}

func TestReceive_IncompleteNeverCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	receiverID := mustID(t)

	// announce a 3-chunk transfer but upload only two chunks
	id := mustID(t)
	require.NoError(t, client.InitFileTransfer(ctx, wire.InitFileTransfer{
		ID: id, SenderID: mustID(t), FileName: "partial.bin", FileSize: 12, TotalChunks: 3,
	}))
	for _, idx := range []int{0, 2} {
		ct, nonce, err := peercrypto.Seal(key.key, []byte("data"))
		require.NoError(t, err)
		_, err = client.UploadChunk(ctx, wire.UploadChunk{TransferID: id, Index: idx, TotalChunks: 3, Ciphertext: ct, Nonce: nonce})
		require.NoError(t, err)
	}

	receiver := New(zap.NewNop(), client, key, nil, receiverID, Config{OutDir: t.TempDir()})
	for i := 0; i < 5; i++ {
		receiver.cycle(ctx)
	}

	_, err := receiver.Assemble(id)
	require.ErrorIs(t, err, errs.ErrNotFound, "two of three chunks must not complete the transfer")

	ts := receiver.Transfers()
	require.Len(t, ts, 1)
	require.Equal(t, model.TransferInProgress, ts[0].Status)
}

func TestReceive_NoKeyLeavesChunksUnfetched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	senderID, receiverID := mustID(t), mustID(t)

	sender := New(zap.NewNop(), client, key, nil, senderID, Config{ChunkSize: 4, OutDir: t.TempDir()})
	payload := []byte("locked until a key arrives")
	sent, err := sender.Send(ctx, "locked.bin", payload, model.Broadcast(), nil)
	require.NoError(t, err)

	receiver := New(zap.NewNop(), client, fixedKey{}, nil, receiverID, Config{ChunkSize: 4, OutDir: t.TempDir()})
	for i := 0; i < 5; i++ {
		receiver.cycle(ctx)
	}

	// the transfer is known but no chunk was fetched
	ts := receiver.Transfers()
	require.Len(t, ts, 1)
	require.Equal(t, model.TransferInProgress, ts[0].Status)
	_, err = receiver.Assemble(sent.ID)
	require.Error(t, err)
}

func TestDismiss_DoesNotResurrect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	senderID, receiverID := mustID(t), mustID(t)

	sender := New(zap.NewNop(), client, key, nil, senderID, Config{ChunkSize: 16, OutDir: t.TempDir()})
	receiver := New(zap.NewNop(), client, key, nil, receiverID, Config{ChunkSize: 16, OutDir: t.TempDir()})

	sent, err := sender.Send(ctx, "gone.bin", []byte("dismiss me"), model.Broadcast(), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		receiver.cycle(ctx)
	}
	_, err = receiver.Assemble(sent.ID)
	require.NoError(t, err)

	receiver.Dismiss(sent.ID)
	require.Empty(t, receiver.Transfers())

	// the relay still lists the announcement; polls must not re-add it
	for i := 0; i < 3; i++ {
		receiver.cycle(ctx)
	}
	require.Empty(t, receiver.Transfers())
	_, err = receiver.Assemble(sent.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

// Dismissing a partially fetched transfer must stop further chunk fetches
// and prevent the artifact from ever reaching disk.
func TestDismiss_HaltsFetchesAndArtifactWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	senderID, receiverID := mustID(t), mustID(t)

	sender := New(zap.NewNop(), client, key, nil, senderID, Config{ChunkSize: 4, OutDir: t.TempDir()})
	outDir := t.TempDir()
	receiver := New(zap.NewNop(), client, key, nil, receiverID, Config{ChunkSize: 4, FetchBatch: 1, OutDir: outDir})

	payload := []byte("three chunks")
	sent, err := sender.Send(ctx, "halt.bin", payload, model.Broadcast(), nil)
	require.NoError(t, err)
	require.Equal(t, 3, sent.TotalChunks)

	// one chunk lands, then the user dismisses
	receiver.cycle(ctx)
	receiver.Dismiss(sent.ID)

	for i := 0; i < 5; i++ {
		receiver.cycle(ctx)
	}
	_, err = receiver.Assemble(sent.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, ok := receiver.ArtifactPath(sent.ID)
	require.False(t, ok)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Empty(t, entries, "no artifact written after dismissal")
}

func TestSend_NoKey(t *testing.T) {
	t.Parallel()
	client := newRelay(t)
	e := New(zap.NewNop(), client, fixedKey{}, nil, mustID(t), Config{})
	_, err := e.Send(context.Background(), "x.bin", []byte("data"), model.Broadcast(), nil)
	require.ErrorIs(t, err, errs.ErrNoKey)
}

func TestSend_AnnounceFailureFailsTransfer(t *testing.T) {
	t.Parallel()
	key := sharedKey(t)
	e := New(zap.NewNop(), transport.NewClient("http://127.0.0.1:1"), key, nil, mustID(t), Config{})

	_, err := e.Send(context.Background(), "x.bin", []byte("data"), model.Broadcast(), nil)
	require.Error(t, err)

	ts := e.Transfers()
	require.Len(t, ts, 1)
	require.Equal(t, model.TransferFailed, ts[0].Status)
}

func TestSend_ZeroByteFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client := newRelay(t)
	key := sharedKey(t)
	senderID, receiverID := mustID(t), mustID(t)

	sender := New(zap.NewNop(), client, key, nil, senderID, Config{OutDir: t.TempDir()})
	receiver := New(zap.NewNop(), client, key, nil, receiverID, Config{OutDir: t.TempDir()})

	sent, err := sender.Send(ctx, "empty.bin", nil, model.Broadcast(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, sent.TotalChunks)

	receiver.cycle(ctx)
	got, err := receiver.Assemble(sent.ID)
	require.NoError(t, err)
	require.Empty(t, got)
}
