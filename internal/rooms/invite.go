package rooms

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"lanchat/internal/errs"
	"lanchat/internal/model"
)

// InviteVersion tags the invitation-code format.
const InviteVersion = 1

// Invite is the self-contained payload of an invitation code. Codes are
// base64url-encoded JSON with structural validation only; the format carries
// no cryptographic signature.
type Invite struct {
	Version   int       `json:"v"`
	RoomID    uuid.UUID `json:"roomId"`
	RoomName  string    `json:"roomName"`
	InviterID uuid.UUID `json:"inviterId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// EncodeInvite issues an invitation code for a room. Codes never expire.
func EncodeInvite(r *model.Room, inviter uuid.UUID) (string, error) {
	inv := Invite{
		Version:   InviteVersion,
		RoomID:    r.ID,
		RoomName:  r.Name,
		InviterID: inviter,
		IssuedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(inv)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeInvite parses and structurally validates an invitation code.
func DecodeInvite(code string) (Invite, error) {
	b, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return Invite{}, errs.ErrBadRequest
	}
	var inv Invite
	if err := json.Unmarshal(b, &inv); err != nil {
		return Invite{}, errs.ErrBadRequest
	}
	if inv.Version != InviteVersion || inv.RoomID == uuid.Nil || inv.InviterID == uuid.Nil {
		return Invite{}, errs.ErrBadRequest
	}
	return inv, nil
}

// ProvisionalRoom builds the local private room record for a redeemed code
// whose room is not yet known locally.
func ProvisionalRoom(inv Invite, redeemer uuid.UUID) *model.Room {
	r := New(inv.RoomID, inv.RoomName, inv.InviterID, false, nil)
	if !r.HasParticipant(redeemer) {
		r.ParticipantIDs = append(r.ParticipantIDs, redeemer)
	}
	return r
}
