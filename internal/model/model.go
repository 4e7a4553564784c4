// Package model defines domain entities shared by the relay and the peer engines.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Presence states reported by the relay.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Peer is a registered user identity. The id never changes once created and
// the admin flag is assigned at registration, never self-granted later.
type Peer struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	IsAdmin     bool      `json:"isAdmin"`
	PublicKey   []byte    `json:"publicKey,omitempty"` // X25519 identity public key
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Message is a single unit of chat content. A message is either fully
// plaintext (Content set, Ciphertext/Nonce empty) or encrypted (Ciphertext and
// Nonce both set); Content on an encrypted message is the decrypted local
// view, never part of the canonical record.
type Message struct {
	ID         uuid.UUID  `json:"id"`
	SenderID   uuid.UUID  `json:"senderId"`
	RoomID     *uuid.UUID `json:"roomId,omitempty"` // nil means the global channel
	Content    string     `json:"content,omitempty"`
	Ciphertext []byte     `json:"ciphertext,omitempty"`
	Nonce      []byte     `json:"nonce,omitempty"`
	Encrypted  bool       `json:"encrypted"`
	Seq        int64      `json:"seq"`    // relay-assigned; 0 until acknowledged
	SentAt     time.Time  `json:"sentAt"` // local origination time, tie-break for unacked messages
}

// Acked reports whether the relay has assigned a sequence number.
func (m *Message) Acked() bool { return m.Seq > 0 }

// Room is a named channel. The owner is always a participant and implicitly
// an admin; the participant set is never empty.
type Room struct {
	ID             uuid.UUID   `json:"id"`
	Name           string      `json:"name"`
	OwnerID        uuid.UUID   `json:"ownerId"`
	AdminIDs       []uuid.UUID `json:"adminIds"`
	ParticipantIDs []uuid.UUID `json:"participantIds"`
	IsPublic       bool        `json:"isPublic"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// HasParticipant reports membership.
func (r *Room) HasParticipant(id uuid.UUID) bool {
	for _, p := range r.ParticipantIDs {
		if p == id {
			return true
		}
	}
	return false
}

// HasAdmin reports room-admin privilege. The owner counts as admin.
func (r *Room) HasAdmin(id uuid.UUID) bool {
	if id == r.OwnerID {
		return true
	}
	for _, a := range r.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (r *Room) Clone() *Room {
	cp := *r
	cp.AdminIDs = append([]uuid.UUID(nil), r.AdminIDs...)
	cp.ParticipantIDs = append([]uuid.UUID(nil), r.ParticipantIDs...)
	return &cp
}

// Device is a peer-owned device registration.
type Device struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"userId"`
	Name         string    `json:"name,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Audience is the set of peers entitled to read a message or transfer:
// either unrestricted or an explicit id set. The zero value is NOT valid;
// use Broadcast or Scoped.
type Audience struct {
	Everyone bool
	Peers    []uuid.UUID
}

// Broadcast returns the unrestricted audience.
func Broadcast() Audience { return Audience{Everyone: true} }

// Scoped returns an audience restricted to the given peer ids.
func Scoped(ids ...uuid.UUID) Audience {
	return Audience{Peers: append([]uuid.UUID(nil), ids...)}
}

// AudienceFromRecipients maps the wire encoding (absent list means broadcast)
// to the explicit variant.
func AudienceFromRecipients(ids []uuid.UUID) Audience {
	if len(ids) == 0 {
		return Broadcast()
	}
	return Scoped(ids...)
}

// Includes reports whether the given peer may read content scoped to a.
func (a Audience) Includes(id uuid.UUID) bool {
	if a.Everyone {
		return true
	}
	for _, p := range a.Peers {
		if p == id {
			return true
		}
	}
	return false
}

// RecipientList returns the wire encoding of the audience: nil for broadcast,
// the explicit id list otherwise.
func (a Audience) RecipientList() []uuid.UUID {
	if a.Everyone {
		return nil
	}
	return append([]uuid.UUID(nil), a.Peers...)
}

// Transfer states for the send and receive state machines.
const (
	TransferPending    = "pending"
	TransferInProgress = "transferring"
	TransferCompleted  = "completed"
	TransferFailed     = "failed"
)

// Transfer is one file-sharing operation composed of ordered encrypted chunks.
type Transfer struct {
	ID          uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"senderId"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	TotalChunks int       `json:"totalChunks"`
	Audience    Audience  `json:"-"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Chunk is a single encrypted fragment of a transfer.
type Chunk struct {
	Index      int    `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// RoomKeyAlgorithm tags the AEAD used for room-key material.
const RoomKeyAlgorithm = "xchacha20poly1305"

// RoomKey is the single active symmetric secret securing the channel.
// Exactly one room key is active per peer at a time; a newer unwrapped
// envelope supersedes it atomically.
type RoomKey struct {
	Raw       []byte `json:"raw"`
	Algorithm string `json:"algorithm"`
}

// Fingerprint returns a short stable identifier for the key material, used
// as the distribution-ledger key so a rotation re-arms distribution.
func (k RoomKey) Fingerprint() string {
	sum := sha256.Sum256(k.Raw)
	return hex.EncodeToString(sum[:8])
}

// KeyEnvelope is an asymmetrically wrapped delivery of a room key to one
// specific peer. Envelopes are single-use: once consumed they are not retried.
type KeyEnvelope struct {
	FromID       uuid.UUID `json:"fromId"`
	EphemeralPub []byte    `json:"epk"`
	Salt         []byte    `json:"salt"`
	Nonce        []byte    `json:"nonce"`
	Ciphertext   []byte    `json:"ciphertext"`
}
