// Package relay implements the volatile in-memory relay peers poll against.
// Nothing here survives a process restart: every table is rebuilt from zero
// and clients are expected to resubscribe via register_user/heartbeat.
package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/rooms"
	"lanchat/internal/wire"
)

// DefaultHeartbeatTimeout is how long a peer may stay silent before it is
// pruned from the online set (two missed heartbeat intervals).
const DefaultHeartbeatTimeout = 35 * time.Second

type userRecord struct {
	peer     model.Peer
	lastBeat time.Time
}

type transferRecord struct {
	transfer model.Transfer
	chunks   map[int]model.Chunk
}

// State is the process-scoped container for all relay-side tables. It is
// exposed only through the request/response contract, never shared directly.
type State struct {
	mu               sync.Mutex
	now              func() time.Time
	heartbeatTimeout time.Duration

	users     map[uuid.UUID]*userRecord
	messages  []model.Message // ordered by assigned seq
	seq       int64
	rooms     map[uuid.UUID]*model.Room
	devices   map[uuid.UUID]model.Device
	envelopes map[uuid.UUID][]model.KeyEnvelope
	transfers map[uuid.UUID]*transferRecord
}

// NewState creates an empty relay state. A zero heartbeatTimeout selects the
// default.
func NewState(heartbeatTimeout time.Duration) *State {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &State{
		now:              time.Now,
		heartbeatTimeout: heartbeatTimeout,
		users:            make(map[uuid.UUID]*userRecord),
		rooms:            make(map[uuid.UUID]*model.Room),
		devices:          make(map[uuid.UUID]model.Device),
		envelopes:        make(map[uuid.UUID][]model.KeyEnvelope),
		transfers:        make(map[uuid.UUID]*transferRecord),
	}
}

// RegisterUser records a peer as online and returns the bootstrap snapshot:
// the online set plus full message history.
func (s *State) RegisterUser(req wire.RegisterUser) (wire.RegisterUserResponse, error) {
	if req.ID == uuid.Nil || req.DisplayName == "" {
		return wire.RegisterUserResponse{}, fmt.Errorf("register_user: missing id or display name: %w", errs.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.users[req.ID] = &userRecord{
		peer: model.Peer{
			ID:          req.ID,
			DisplayName: req.DisplayName,
			IsAdmin:     req.IsAdmin,
			PublicKey:   req.PublicKey,
			Status:      model.StatusOnline,
			LastSeen:    now,
		},
		lastBeat: now,
	}
	return wire.RegisterUserResponse{
		Peers:    s.onlinePeersLocked(),
		Messages: append([]model.Message(nil), s.messages...),
	}, nil
}

// UnregisterUser marks a peer offline. The identity record is kept.
func (s *State) UnregisterUser(req wire.UnregisterUser) (wire.PeerListResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[req.UserID]; ok {
		u.peer.Status = model.StatusOffline
		u.peer.LastSeen = s.now()
	}
	return wire.PeerListResponse{Peers: s.onlinePeersLocked()}, nil
}

// Heartbeat refreshes presence and returns the reconciliation delta: the
// presence snapshot, messages past the cursor, queued envelopes (cleared on
// delivery), rosters and transfer announcements scoped to the caller.
func (s *State) Heartbeat(req wire.Heartbeat) (wire.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.UserID]
	if !ok {
		return wire.HeartbeatResponse{}, fmt.Errorf("heartbeat: unknown user: %w", errs.ErrNotFound)
	}
	u.lastBeat = s.now()
	u.peer.Status = model.StatusOnline
	u.peer.LastSeen = u.lastBeat

	var delta []model.Message
	for _, m := range s.messages {
		if m.Seq > req.LastSeq {
			delta = append(delta, m)
		}
	}

	envs := s.envelopes[req.UserID]
	delete(s.envelopes, req.UserID) // cleared relay-side upon delivery

	return wire.HeartbeatResponse{
		Peers:     s.onlinePeersLocked(),
		Messages:  delta,
		LastSeq:   s.seq,
		Envelopes: envs,
		Devices:   s.deviceListLocked(),
		Rooms:     s.roomListLocked(),
		Transfers: s.announcementsLocked(req.UserID),
	}, nil
}

// SendMessage assigns the next sequence number and appends the message to the
// history. Sequence numbers are assigned only here.
func (s *State) SendMessage(req wire.SendMessage) (wire.SendMessageResponse, error) {
	m := req.Message
	if m.ID == uuid.Nil || m.SenderID == uuid.Nil {
		return wire.SendMessageResponse{}, fmt.Errorf("send_message: missing id or sender: %w", errs.ErrBadRequest)
	}
	// either fully plaintext or ciphertext+nonce, never one without the other
	if m.Encrypted && (len(m.Ciphertext) == 0 || len(m.Nonce) == 0) {
		return wire.SendMessageResponse{}, fmt.Errorf("send_message: encrypted message without ciphertext/nonce: %w", errs.ErrBadRequest)
	}
	if !m.Encrypted && (len(m.Ciphertext) != 0 || len(m.Nonce) != 0) {
		return wire.SendMessageResponse{}, fmt.Errorf("send_message: plaintext message with ciphertext/nonce: %w", errs.ErrBadRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.RoomID == nil {
		u, ok := s.users[m.SenderID]
		if !ok || !rooms.CanWriteGlobal(u.peer) {
			return wire.SendMessageResponse{}, fmt.Errorf("send_message: global channel is admin-only: %w", errs.ErrForbidden)
		}
	} else if r, ok := s.rooms[*m.RoomID]; ok && !rooms.CanWrite(r, m.SenderID) {
		return wire.SendMessageResponse{}, fmt.Errorf("send_message: sender is not a participant: %w", errs.ErrForbidden)
	}

	s.seq++
	m.Seq = s.seq
	m.SentAt = s.now()
	// encrypted content is opaque to the relay; drop any local plaintext view
	if m.Encrypted {
		m.Content = ""
	}
	s.messages = append(s.messages, m)
	return wire.SendMessageResponse{Message: m}, nil
}

// CreateRoom registers a new room.
func (s *State) CreateRoom(req wire.CreateRoom) (wire.RoomListResponse, error) {
	if req.ID == uuid.Nil || req.Name == "" || req.CreatedBy == uuid.Nil {
		return wire.RoomListResponse{}, fmt.Errorf("create_room: missing required fields: %w", errs.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[req.ID]; ok {
		return wire.RoomListResponse{}, fmt.Errorf("create_room: room %s: %w", req.ID, errs.ErrAlreadyExists)
	}
	s.rooms[req.ID] = rooms.New(req.ID, req.Name, req.CreatedBy, req.IsPublic, req.Participants)
	return wire.RoomListResponse{Rooms: s.roomListLocked()}, nil
}

// UpdateRoom applies exactly one membership mutation, authorized against the
// room state at the time of the request.
func (s *State) UpdateRoom(req wire.UpdateRoom) (wire.RoomResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[req.RoomID]
	if !ok {
		return wire.RoomResponse{}, fmt.Errorf("update_room: room %s: %w", req.RoomID, errs.ErrNotFound)
	}

	var err error
	switch {
	case req.AddParticipant != nil:
		err = rooms.AddParticipant(r, req.ByUserID, *req.AddParticipant)
	case req.RemoveParticipant != nil:
		err = rooms.RemoveParticipant(r, req.ByUserID, *req.RemoveParticipant)
	case req.AddAdmin != nil:
		err = rooms.AddAdmin(r, req.ByUserID, *req.AddAdmin)
	case req.RemoveAdmin != nil:
		err = rooms.RemoveAdmin(r, req.ByUserID, *req.RemoveAdmin)
	case req.TransferOwnerTo != nil:
		err = rooms.TransferOwner(r, req.ByUserID, *req.TransferOwnerTo)
	default:
		err = fmt.Errorf("update_room: no mutation given: %w", errs.ErrBadRequest)
	}
	if err != nil {
		return wire.RoomResponse{}, fmt.Errorf("update_room: %w", err)
	}
	return wire.RoomResponse{Room: *r.Clone()}, nil
}

// DeleteRoom removes a room. Owner only.
func (s *State) DeleteRoom(req wire.DeleteRoom) (wire.RoomListResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[req.RoomID]
	if !ok {
		return wire.RoomListResponse{}, fmt.Errorf("delete_room: room %s: %w", req.RoomID, errs.ErrNotFound)
	}
	if !rooms.CanDelete(r, req.ByUserID) {
		return wire.RoomListResponse{}, fmt.Errorf("delete_room: not the owner: %w", errs.ErrForbidden)
	}
	delete(s.rooms, req.RoomID)
	return wire.RoomListResponse{Rooms: s.roomListLocked()}, nil
}

// RegisterDevice records a device owned by a peer.
func (s *State) RegisterDevice(req wire.RegisterDevice) (wire.DeviceListResponse, error) {
	if req.ID == uuid.Nil || req.UserID == uuid.Nil {
		return wire.DeviceListResponse{}, fmt.Errorf("register_device: missing id or owner: %w", errs.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[req.ID] = model.Device{
		ID:           req.ID,
		UserID:       req.UserID,
		Name:         req.Name,
		RegisteredAt: s.now(),
	}
	return wire.DeviceListResponse{Devices: s.deviceListLocked()}, nil
}

// KeyUpdate queues a key envelope for the target peer. Envelopes are held
// until the target's next heartbeat and cleared on delivery.
func (s *State) KeyUpdate(req wire.KeyUpdate) (wire.Ack, error) {
	if req.TargetUserID == uuid.Nil || req.FromUserID == uuid.Nil {
		return wire.Ack{}, fmt.Errorf("key_update: missing target or sender: %w", errs.ErrBadRequest)
	}
	env := req.Envelope
	if len(env.EphemeralPub) == 0 || len(env.Ciphertext) == 0 {
		return wire.Ack{}, fmt.Errorf("key_update: incomplete envelope: %w", errs.ErrBadRequest)
	}
	env.FromID = req.FromUserID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes[req.TargetUserID] = append(s.envelopes[req.TargetUserID], env)
	return wire.Ack{OK: true}, nil
}

// InitFileTransfer announces a transfer before any chunk is uploaded.
func (s *State) InitFileTransfer(req wire.InitFileTransfer) (wire.Ack, error) {
	if req.ID == uuid.Nil || req.SenderID == uuid.Nil || req.FileName == "" || req.TotalChunks < 1 {
		return wire.Ack{}, fmt.Errorf("init_file_transfer: missing required fields: %w", errs.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[req.ID]; ok {
		return wire.Ack{}, fmt.Errorf("init_file_transfer: transfer %s: %w", req.ID, errs.ErrAlreadyExists)
	}
	s.transfers[req.ID] = &transferRecord{
		transfer: model.Transfer{
			ID:          req.ID,
			SenderID:    req.SenderID,
			FileName:    req.FileName,
			FileSize:    req.FileSize,
			TotalChunks: req.TotalChunks,
			Audience:    model.AudienceFromRecipients(req.Recipients),
			CreatedAt:   s.now(),
		},
		chunks: make(map[int]model.Chunk),
	}
	return wire.Ack{OK: true}, nil
}

// UploadChunk stores one chunk of an announced transfer.
func (s *State) UploadChunk(req wire.UploadChunk) (wire.UploadChunkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[req.TransferID]
	if !ok {
		return wire.UploadChunkResponse{}, fmt.Errorf("upload_chunk: unknown transfer %s: %w", req.TransferID, errs.ErrBadRequest)
	}
	if req.Index < 0 || req.Index >= rec.transfer.TotalChunks {
		return wire.UploadChunkResponse{}, fmt.Errorf("upload_chunk: index %d out of range: %w", req.Index, errs.ErrBadRequest)
	}
	if len(req.Ciphertext) == 0 || len(req.Nonce) == 0 {
		return wire.UploadChunkResponse{}, fmt.Errorf("upload_chunk: empty chunk body: %w", errs.ErrBadRequest)
	}
	rec.chunks[req.Index] = model.Chunk{Index: req.Index, Ciphertext: req.Ciphertext, Nonce: req.Nonce}
	return wire.UploadChunkResponse{Index: req.Index}, nil
}

// ListFileTransfers returns transfers the caller may receive: not their own
// sends, and only those whose audience includes them.
func (s *State) ListFileTransfers(req wire.ListFileTransfers) (wire.ListFileTransfersResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.ListFileTransfersResponse{Transfers: s.announcementsLocked(req.UserID)}, nil
}

// DownloadFileChunk returns one stored chunk.
func (s *State) DownloadFileChunk(req wire.DownloadFileChunk) (wire.ChunkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[req.TransferID]
	if !ok {
		return wire.ChunkResponse{}, fmt.Errorf("download_file_chunk: unknown transfer %s: %w", req.TransferID, errs.ErrNotFound)
	}
	if !rec.transfer.Audience.Includes(req.UserID) {
		return wire.ChunkResponse{}, fmt.Errorf("download_file_chunk: not a recipient: %w", errs.ErrForbidden)
	}
	c, ok := rec.chunks[req.Index]
	if !ok {
		return wire.ChunkResponse{}, fmt.Errorf("download_file_chunk: chunk %d not available: %w", req.Index, errs.ErrNotFound)
	}
	return wire.ChunkResponse{Index: c.Index, Ciphertext: c.Ciphertext, Nonce: c.Nonce}, nil
}

// GetState returns the full snapshot used by clients to rebuild after a
// relay restart.
func (s *State) GetState() (wire.StateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.StateResponse{
		Peers:    s.onlinePeersLocked(),
		Messages: append([]model.Message(nil), s.messages...),
		LastSeq:  s.seq,
		Devices:  s.deviceListLocked(),
		Rooms:    s.roomListLocked(),
	}, nil
}

// onlinePeersLocked prunes silent peers and returns the online snapshot.
// Pruning is solely the relay's responsibility.
func (s *State) onlinePeersLocked() []model.Peer {
	now := s.now()
	out := make([]model.Peer, 0, len(s.users))
	for _, u := range s.users {
		if u.peer.Status == model.StatusOnline && now.Sub(u.lastBeat) > s.heartbeatTimeout {
			u.peer.Status = model.StatusOffline
		}
		if u.peer.Status == model.StatusOnline {
			out = append(out, u.peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

func (s *State) roomListLocked() []model.Room {
	out := make([]model.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *State) deviceListLocked() []model.Device {
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

func (s *State) announcementsLocked(userID uuid.UUID) []wire.TransferAnnouncement {
	var out []wire.TransferAnnouncement
	for _, rec := range s.transfers {
		t := rec.transfer
		if t.SenderID == userID || !t.Audience.Includes(userID) {
			continue
		}
		avail := make([]int, 0, len(rec.chunks))
		for idx := range rec.chunks {
			avail = append(avail, idx)
		}
		sort.Ints(avail)
		out = append(out, wire.TransferAnnouncement{
			ID:              t.ID,
			SenderID:        t.SenderID,
			FileName:        t.FileName,
			FileSize:        t.FileSize,
			TotalChunks:     t.TotalChunks,
			Recipients:      t.Audience.RecipientList(),
			AvailableChunks: avail,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
