// Package wire defines the tagged request/response contract between peers
// and the relay. Both sides share these types so the contract cannot drift.
package wire

import (
	"encoding/json"

	"github.com/gofrs/uuid/v5"

	"lanchat/internal/model"
)

// Request types recognized by the relay. Anything else is rejected with 400.
const (
	TypeRegisterUser      = "register_user"
	TypeUnregisterUser    = "unregister_user"
	TypeHeartbeat         = "heartbeat"
	TypeSendMessage       = "send_message"
	TypeCreateRoom        = "create_room"
	TypeUpdateRoom        = "update_room"
	TypeDeleteRoom        = "delete_room"
	TypeRegisterDevice    = "register_device"
	TypeKeyUpdate         = "key_update"
	TypeInitFileTransfer  = "init_file_transfer"
	TypeUploadChunk       = "upload_chunk"
	TypeListFileTransfers = "list_file_transfers"
	TypeDownloadFileChunk = "download_file_chunk"
	TypeGetState          = "get_state"
)

// Request is the envelope every call travels in.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorBody is the structured error returned with any 4xx/5xx status.
type ErrorBody struct {
	Error string `json:"error"`
}

// ---- request payloads ----

// RegisterUser announces a peer identity to the relay.
type RegisterUser struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	IsAdmin     bool      `json:"isAdmin"`
	PublicKey   []byte    `json:"publicKey,omitempty"`
}

// UnregisterUser removes a peer from the online set.
type UnregisterUser struct {
	UserID uuid.UUID `json:"userId"`
}

// Heartbeat is the periodic poll: presence refresh plus delta fetch from the
// cursor (highest sequence number already observed).
type Heartbeat struct {
	UserID  uuid.UUID `json:"userId"`
	LastSeq int64     `json:"lastSeq"`
}

// SendMessage submits a message record for sequencing and fan-out.
type SendMessage struct {
	Message model.Message `json:"message"`
}

// CreateRoom creates a named channel.
type CreateRoom struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	CreatedBy    uuid.UUID   `json:"createdBy"`
	IsPublic     bool        `json:"isPublic"`
	Participants []uuid.UUID `json:"participants,omitempty"`
}

// UpdateRoom applies exactly one membership mutation on behalf of ByUserID.
type UpdateRoom struct {
	RoomID            uuid.UUID  `json:"roomId"`
	ByUserID          uuid.UUID  `json:"byUserId"`
	AddParticipant    *uuid.UUID `json:"addParticipant,omitempty"`
	RemoveParticipant *uuid.UUID `json:"removeParticipant,omitempty"`
	AddAdmin          *uuid.UUID `json:"addAdmin,omitempty"`
	RemoveAdmin       *uuid.UUID `json:"removeAdmin,omitempty"`
	TransferOwnerTo   *uuid.UUID `json:"transferOwnerTo,omitempty"`
}

// DeleteRoom removes a room; owner only.
type DeleteRoom struct {
	RoomID   uuid.UUID `json:"roomId"`
	ByUserID uuid.UUID `json:"byUserId"`
}

// RegisterDevice records a device owned by a peer.
type RegisterDevice struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name,omitempty"`
}

// KeyUpdate queues a key envelope for one target peer.
type KeyUpdate struct {
	TargetUserID uuid.UUID         `json:"targetUserId"`
	FromUserID   uuid.UUID         `json:"fromUserId"`
	Envelope     model.KeyEnvelope `json:"envelope"`
}

// InitFileTransfer announces a transfer before any chunk is uploaded.
// An absent recipient list means broadcast.
type InitFileTransfer struct {
	ID          uuid.UUID   `json:"id"`
	SenderID    uuid.UUID   `json:"senderId"`
	FileName    string      `json:"fileName"`
	FileSize    int64       `json:"fileSize"`
	TotalChunks int         `json:"totalChunks"`
	Recipients  []uuid.UUID `json:"recipients,omitempty"`
}

// UploadChunk stores one encrypted chunk of an announced transfer.
type UploadChunk struct {
	TransferID  uuid.UUID `json:"transferId"`
	Index       int       `json:"index"`
	TotalChunks int       `json:"totalChunks"`
	Ciphertext  []byte    `json:"ciphertext"`
	Nonce       []byte    `json:"nonce"`
}

// ListFileTransfers asks for transfers the caller may receive.
type ListFileTransfers struct {
	UserID uuid.UUID `json:"userId"`
}

// DownloadFileChunk fetches one stored chunk by index.
type DownloadFileChunk struct {
	UserID     uuid.UUID `json:"userId"`
	TransferID uuid.UUID `json:"transferId"`
	Index      int       `json:"index"`
}

// ---- responses ----

// RegisterUserResponse returns the online set and full history for bootstrap.
type RegisterUserResponse struct {
	Peers    []model.Peer    `json:"peers"`
	Messages []model.Message `json:"messages"`
}

// PeerListResponse returns the current online set.
type PeerListResponse struct {
	Peers []model.Peer `json:"peers"`
}

// TransferAnnouncement describes a transfer visible to the caller, with the
// chunk indices the relay currently holds.
type TransferAnnouncement struct {
	ID              uuid.UUID   `json:"id"`
	SenderID        uuid.UUID   `json:"senderId"`
	FileName        string      `json:"fileName"`
	FileSize        int64       `json:"fileSize"`
	TotalChunks     int         `json:"totalChunks"`
	Recipients      []uuid.UUID `json:"recipients,omitempty"`
	AvailableChunks []int       `json:"availableChunks"`
}

// HeartbeatResponse carries everything a poll reconciles: presence snapshot,
// message delta past the cursor, queued envelopes (cleared on delivery),
// rosters and transfer announcements.
type HeartbeatResponse struct {
	Peers     []model.Peer           `json:"peers"`
	Messages  []model.Message        `json:"messages"`
	LastSeq   int64                  `json:"lastSeq"`
	Envelopes []model.KeyEnvelope    `json:"envelopes,omitempty"`
	Devices   []model.Device         `json:"devices"`
	Rooms     []model.Room           `json:"rooms"`
	Transfers []TransferAnnouncement `json:"transfers,omitempty"`
}

// SendMessageResponse echoes the stored message with relay-assigned sequence.
type SendMessageResponse struct {
	Message model.Message `json:"message"`
}

// RoomListResponse returns all rooms.
type RoomListResponse struct {
	Rooms []model.Room `json:"rooms"`
}

// RoomResponse returns a single updated room.
type RoomResponse struct {
	Room model.Room `json:"room"`
}

// DeviceListResponse returns all registered devices.
type DeviceListResponse struct {
	Devices []model.Device `json:"devices"`
}

// Ack is a bare acknowledgement.
type Ack struct {
	OK bool `json:"ok"`
}

// UploadChunkResponse acknowledges a stored chunk by echoing its index.
type UploadChunkResponse struct {
	Index int `json:"index"`
}

// ListFileTransfersResponse returns the receivable transfers.
type ListFileTransfersResponse struct {
	Transfers []TransferAnnouncement `json:"transfers"`
}

// ChunkResponse returns one encrypted chunk.
type ChunkResponse struct {
	Index      int    `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// StateResponse is the full snapshot used to rebuild after a relay restart.
type StateResponse struct {
	Peers    []model.Peer    `json:"peers"`
	Messages []model.Message `json:"messages"`
	LastSeq  int64           `json:"lastSeq"`
	Devices  []model.Device  `json:"devices"`
	Rooms    []model.Room    `json:"rooms"`
}
