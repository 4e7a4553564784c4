package relay

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/wire"
)

func mustID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func registerPeer(t *testing.T, s *State, name string, admin bool) uuid.UUID {
	t.Helper()
	id := mustID(t)
	_, err := s.RegisterUser(wire.RegisterUser{ID: id, DisplayName: name, IsAdmin: admin})
	require.NoError(t, err)
	return id
}

func TestSendMessage_SequenceMonotonic(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	admin := registerPeer(t, s, "admin", true)

	var last int64
	for i := 0; i < 10; i++ {
		resp, err := s.SendMessage(wire.SendMessage{Message: model.Message{
			ID:       mustID(t),
			SenderID: admin,
			Content:  "hello",
		}})
		require.NoError(t, err)
		require.Greater(t, resp.Message.Seq, last)
		last = resp.Message.Seq
	}
}

func TestSendMessage_GlobalChannelAdminOnly(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	user := registerPeer(t, s, "user", false)

	_, err := s.SendMessage(wire.SendMessage{Message: model.Message{
		ID:       mustID(t),
		SenderID: user,
		Content:  "hi",
	}})
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestSendMessage_EncryptionFlagConsistency(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	admin := registerPeer(t, s, "admin", true)

	// encrypted without nonce is rejected
	_, err := s.SendMessage(wire.SendMessage{Message: model.Message{
		ID:         mustID(t),
		SenderID:   admin,
		Encrypted:  true,
		Ciphertext: []byte("ct"),
	}})
	require.ErrorIs(t, err, errs.ErrBadRequest)

	// plaintext with nonce is rejected
	_, err = s.SendMessage(wire.SendMessage{Message: model.Message{
		ID:       mustID(t),
		SenderID: admin,
		Content:  "x",
		Nonce:    []byte("n"),
	}})
	require.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestHeartbeat_CursorDelta(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	admin := registerPeer(t, s, "admin", true)

	var seqs []int64
	for i := 0; i < 5; i++ {
		resp, err := s.SendMessage(wire.SendMessage{Message: model.Message{
			ID:       mustID(t),
			SenderID: admin,
			Content:  "m",
		}})
		require.NoError(t, err)
		seqs = append(seqs, resp.Message.Seq)
	}

	hb, err := s.Heartbeat(wire.Heartbeat{UserID: admin, LastSeq: seqs[2]})
	require.NoError(t, err)
	require.Len(t, hb.Messages, 2)
	require.Equal(t, seqs[3], hb.Messages[0].Seq)
	require.Equal(t, seqs[4], hb.Messages[1].Seq)
	require.Equal(t, seqs[4], hb.LastSeq)

	// a cursor at the head yields an empty delta
	hb, err = s.Heartbeat(wire.Heartbeat{UserID: admin, LastSeq: hb.LastSeq})
	require.NoError(t, err)
	require.Empty(t, hb.Messages)
}

func TestHeartbeat_UnknownUser(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	_, err := s.Heartbeat(wire.Heartbeat{UserID: mustID(t)})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestHeartbeat_EnvelopesClearedOnDelivery(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	sender := registerPeer(t, s, "sender", true)
	target := registerPeer(t, s, "target", false)

	_, err := s.KeyUpdate(wire.KeyUpdate{
		TargetUserID: target,
		FromUserID:   sender,
		Envelope: model.KeyEnvelope{
			EphemeralPub: []byte("epk"),
			Salt:         []byte("salt"),
			Nonce:        []byte("nonce"),
			Ciphertext:   []byte("ct"),
		},
	})
	require.NoError(t, err)

	hb, err := s.Heartbeat(wire.Heartbeat{UserID: target})
	require.NoError(t, err)
	require.Len(t, hb.Envelopes, 1)
	require.Equal(t, sender, hb.Envelopes[0].FromID)

	// delivered once, then cleared relay-side
	hb, err = s.Heartbeat(wire.Heartbeat{UserID: target})
	require.NoError(t, err)
	require.Empty(t, hb.Envelopes)
}

func TestPresence_PrunedAfterSilence(t *testing.T) {
	t.Parallel()
	s := NewState(35 * time.Second)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	a := registerPeer(t, s, "a", false)
	registerPeer(t, s, "b", false)

	hb, err := s.Heartbeat(wire.Heartbeat{UserID: a})
	require.NoError(t, err)
	require.Len(t, hb.Peers, 2)

	// b stays silent past the timeout; a keeps beating
	now = now.Add(36 * time.Second)
	hb, err = s.Heartbeat(wire.Heartbeat{UserID: a})
	require.NoError(t, err)
	require.Len(t, hb.Peers, 1)
	require.Equal(t, a, hb.Peers[0].ID)
}

func TestRoomLifecycle(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	owner := registerPeer(t, s, "owner", false)
	member := registerPeer(t, s, "member", false)
	roomID := mustID(t)

	_, err := s.CreateRoom(wire.CreateRoom{ID: roomID, Name: "room", CreatedBy: owner})
	require.NoError(t, err)

	// duplicate id rejected
	_, err = s.CreateRoom(wire.CreateRoom{ID: roomID, Name: "room", CreatedBy: owner})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	// unknown room is 404
	_, err = s.UpdateRoom(wire.UpdateRoom{RoomID: mustID(t), ByUserID: owner, AddParticipant: &member})
	require.ErrorIs(t, err, errs.ErrNotFound)

	// non-admin actor is 403
	_, err = s.UpdateRoom(wire.UpdateRoom{RoomID: roomID, ByUserID: member, AddParticipant: &member})
	require.ErrorIs(t, err, errs.ErrForbidden)

	resp, err := s.UpdateRoom(wire.UpdateRoom{RoomID: roomID, ByUserID: owner, AddParticipant: &member})
	require.NoError(t, err)
	require.True(t, resp.Room.HasParticipant(member))

	// no mutation given
	_, err = s.UpdateRoom(wire.UpdateRoom{RoomID: roomID, ByUserID: owner})
	require.ErrorIs(t, err, errs.ErrBadRequest)

	// delete is owner-only
	_, err = s.DeleteRoom(wire.DeleteRoom{RoomID: roomID, ByUserID: member})
	require.ErrorIs(t, err, errs.ErrForbidden)

	list, err := s.DeleteRoom(wire.DeleteRoom{RoomID: roomID, ByUserID: owner})
	require.NoError(t, err)
	require.Empty(t, list.Rooms)
}

func TestTransfers_ScopedListingAndChunks(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	sender := registerPeer(t, s, "sender", false)
	alice := registerPeer(t, s, "alice", false)
	bob := registerPeer(t, s, "bob", false)
	id := mustID(t)

	_, err := s.UploadChunk(wire.UploadChunk{TransferID: id, Index: 0, Ciphertext: []byte("c"), Nonce: []byte("n")})
	require.ErrorIs(t, err, errs.ErrBadRequest, "upload before announce must fail")

	_, err = s.InitFileTransfer(wire.InitFileTransfer{
		ID: id, SenderID: sender, FileName: "doc.pdf", FileSize: 100, TotalChunks: 2,
		Recipients: []uuid.UUID{alice},
	})
	require.NoError(t, err)

	up, err := s.UploadChunk(wire.UploadChunk{TransferID: id, Index: 1, TotalChunks: 2, Ciphertext: []byte("c1"), Nonce: []byte("n1")})
	require.NoError(t, err)
	require.Equal(t, 1, up.Index)

	_, err = s.UploadChunk(wire.UploadChunk{TransferID: id, Index: 2, TotalChunks: 2, Ciphertext: []byte("c2"), Nonce: []byte("n2")})
	require.ErrorIs(t, err, errs.ErrBadRequest, "index out of range")

	// the sender does not see their own transfer
	list, err := s.ListFileTransfers(wire.ListFileTransfers{UserID: sender})
	require.NoError(t, err)
	require.Empty(t, list.Transfers)

	// a non-recipient does not see it either
	list, err = s.ListFileTransfers(wire.ListFileTransfers{UserID: bob})
	require.NoError(t, err)
	require.Empty(t, list.Transfers)

	list, err = s.ListFileTransfers(wire.ListFileTransfers{UserID: alice})
	require.NoError(t, err)
	require.Len(t, list.Transfers, 1)
	require.Equal(t, []int{1}, list.Transfers[0].AvailableChunks)

	// downloads are recipient-gated
	_, err = s.DownloadFileChunk(wire.DownloadFileChunk{UserID: bob, TransferID: id, Index: 1})
	require.ErrorIs(t, err, errs.ErrForbidden)

	chunk, err := s.DownloadFileChunk(wire.DownloadFileChunk{UserID: alice, TransferID: id, Index: 1})
	require.NoError(t, err)
	require.Equal(t, []byte("c1"), chunk.Ciphertext)

	// missing chunk and missing transfer are 404
	_, err = s.DownloadFileChunk(wire.DownloadFileChunk{UserID: alice, TransferID: id, Index: 0})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.DownloadFileChunk(wire.DownloadFileChunk{UserID: alice, TransferID: mustID(t), Index: 0})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetState_Snapshot(t *testing.T) {
	t.Parallel()
	s := NewState(0)
	admin := registerPeer(t, s, "admin", true)

	_, err := s.SendMessage(wire.SendMessage{Message: model.Message{ID: mustID(t), SenderID: admin, Content: "m"}})
	require.NoError(t, err)
	_, err = s.CreateRoom(wire.CreateRoom{ID: mustID(t), Name: "r", CreatedBy: admin})
	require.NoError(t, err)
	_, err = s.RegisterDevice(wire.RegisterDevice{ID: mustID(t), UserID: admin})
	require.NoError(t, err)

	snap, err := s.GetState()
	require.NoError(t, err)
	require.Len(t, snap.Peers, 1)
	require.Len(t, snap.Messages, 1)
	require.Len(t, snap.Rooms, 1)
	require.Len(t, snap.Devices, 1)
	require.Equal(t, int64(1), snap.LastSeq)
}
