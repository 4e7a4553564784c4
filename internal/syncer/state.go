// Package syncer keeps the peer's local view eventually consistent with the
// relay: periodic polling, message merge rules and the outbound send path.
package syncer

import (
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"

	"lanchat/internal/crypto/peercrypto"
	"lanchat/internal/model"
)

// State is the peer-local view of domain state shared by the engines. The
// sync loop and the transfer loop interleave on it, so every accessor takes
// the lock; merges are commutative and idempotent by construction.
type State struct {
	mu       sync.Mutex
	self     model.Peer
	online   []model.Peer
	messages []model.Message
	index    map[uuid.UUID]int // message id -> position in messages
	lastSeq  int64
	rooms    map[uuid.UUID]*model.Room
	devices  []model.Device
}

// NewState creates an empty local view for the given identity.
func NewState(self model.Peer) *State {
	return &State{
		self:  self,
		index: make(map[uuid.UUID]int),
		rooms: make(map[uuid.UUID]*model.Room),
	}
}

// Self returns the local peer identity.
func (s *State) Self() model.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SetPublicKey records the identity public key on the local peer record.
func (s *State) SetPublicKey(pub []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self.PublicKey = pub
}

// LastSeq returns the poll cursor: the highest sequence number observed.
func (s *State) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// AdvanceSeq raises the cursor. It never decreases within a relay epoch.
func (s *State) AdvanceSeq(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
}

// ResetSeq forces the cursor to the given value. Registration starts a new
// relay epoch whose sequence numbers begin over, so the bootstrap history is
// the authoritative cursor position.
func (s *State) ResetSeq(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = seq
}

// MergeMessages folds poll results into the local list: deduplicated by id,
// ordered by sequence number with unacked local messages (seq 0) sorted last
// by origination time. An incoming copy with a sequence number supersedes an
// unacked local copy of the same id.
func (s *State) MergeMessages(msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.upsertLocked(m)
	}
	s.sortLocked()
}

// PutMessage inserts or replaces a single message (the outbound path).
func (s *State) PutMessage(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(m)
	s.sortLocked()
}

func (s *State) upsertLocked(m model.Message) {
	if i, ok := s.index[m.ID]; ok {
		// keep the local decrypted view when the relay copy is opaque
		if m.Encrypted && m.Content == "" && s.messages[i].Content != "" {
			m.Content = s.messages[i].Content
		}
		if m.Seq > 0 || s.messages[i].Seq == 0 {
			s.messages[i] = m
		}
		return
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
}

func (s *State) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := s.messages[i], s.messages[j]
		switch {
		case a.Acked() && b.Acked():
			return a.Seq < b.Seq
		case a.Acked():
			return true
		case b.Acked():
			return false
		default:
			return a.SentAt.Before(b.SentAt)
		}
	})
	for i := range s.messages {
		s.index[s.messages[i].ID] = i
	}
}

// Messages returns a copy of the merged, ordered message list.
func (s *State) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// ReDecrypt re-attempts every held encrypted message that has no plaintext
// view yet under the given key. Permanent failures stay opaque. Returns the
// number of newly readable messages.
func (s *State) ReDecrypt(key model.RoomKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if !m.Encrypted || m.Content != "" {
			continue
		}
		pt, err := peercrypto.Open(key, m.Ciphertext, m.Nonce)
		if err != nil {
			continue
		}
		m.Content = string(pt)
		n++
	}
	return n
}

// ReplacePresence swaps in the full online snapshot from a poll. It is a
// snapshot, not a delta; stale-peer pruning is the relay's job.
func (s *State) ReplacePresence(peers []model.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = append([]model.Peer(nil), peers...)
}

// Online returns the last presence snapshot.
func (s *State) Online() []model.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Peer(nil), s.online...)
}

// SetRooms replaces the room roster from a poll, keeping locally provisioned
// rooms the relay does not know about.
func (s *State) SetRooms(rooms []model.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rooms {
		r := rooms[i]
		s.rooms[r.ID] = &r
	}
}

// UpsertRoom records a single room (e.g. a provisional invite redemption).
func (s *State) UpsertRoom(r *model.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r.Clone()
}

// Room returns a copy of one room, if known.
func (s *State) Room(id uuid.UUID) (*model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Rooms returns copies of all known rooms.
func (s *State) Rooms() []model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetDevices replaces the device roster.
func (s *State) SetDevices(devices []model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append([]model.Device(nil), devices...)
}

// Devices returns the last device roster.
func (s *State) Devices() []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Device(nil), s.devices...)
}
