// Package rooms implements the channel authorization model: role ordering,
// membership mutation rules and invitation codes. The rules are pure functions
// over model.Room so the relay and the peer evaluate the same policy.
package rooms

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"lanchat/internal/errs"
	"lanchat/internal/model"
)

// New constructs a room with its invariants holding from the start: the
// creator owns the room and is always a participant.
func New(id uuid.UUID, name string, owner uuid.UUID, isPublic bool, participants []uuid.UUID) *model.Room {
	r := &model.Room{
		ID:        id,
		Name:      name,
		OwnerID:   owner,
		IsPublic:  isPublic,
		CreatedAt: time.Now().UTC(),
	}
	r.ParticipantIDs = append(r.ParticipantIDs, owner)
	for _, p := range participants {
		if !r.HasParticipant(p) {
			r.ParticipantIDs = append(r.ParticipantIDs, p)
		}
	}
	return r
}

// CanWriteGlobal gates the ownerless global channel: only identity-level
// administrators may write; everyone else is read-only.
func CanWriteGlobal(p model.Peer) bool { return p.IsAdmin }

// CanWrite reports whether a peer may post into a room.
func CanWrite(r *model.Room, userID uuid.UUID) bool { return r.HasParticipant(userID) }

// CanDelete reports whether a peer may delete the room. Owner only.
func CanDelete(r *model.Room, userID uuid.UUID) bool { return userID == r.OwnerID }

// AddParticipant merges target into the participant set. Requires room-admin
// privilege on the actor.
func AddParticipant(r *model.Room, by, target uuid.UUID) error {
	if !r.HasAdmin(by) {
		return errs.ErrForbidden
	}
	if !r.HasParticipant(target) {
		r.ParticipantIDs = append(r.ParticipantIDs, target)
	}
	return nil
}

// RemoveParticipant drops target from the room. The owner can never be
// removed; removal also strips room-admin status if held.
func RemoveParticipant(r *model.Room, by, target uuid.UUID) error {
	if !r.HasAdmin(by) {
		return errs.ErrForbidden
	}
	if target == r.OwnerID {
		return errs.ErrForbidden
	}
	r.ParticipantIDs = without(r.ParticipantIDs, target)
	r.AdminIDs = without(r.AdminIDs, target)
	return nil
}

// AddAdmin grants room-admin to target. Room admin implies membership, so a
// non-participant target is added as a participant as well.
func AddAdmin(r *model.Room, by, target uuid.UUID) error {
	if !r.HasAdmin(by) {
		return errs.ErrForbidden
	}
	if !r.HasParticipant(target) {
		r.ParticipantIDs = append(r.ParticipantIDs, target)
	}
	if target != r.OwnerID && !contains(r.AdminIDs, target) {
		r.AdminIDs = append(r.AdminIDs, target)
	}
	return nil
}

// RemoveAdmin revokes room-admin from target. The owner's admin status is
// implicit and cannot be revoked.
func RemoveAdmin(r *model.Room, by, target uuid.UUID) error {
	if !r.HasAdmin(by) {
		return errs.ErrForbidden
	}
	if target == r.OwnerID {
		return errs.ErrForbidden
	}
	r.AdminIDs = without(r.AdminIDs, target)
	return nil
}

// TransferOwner hands the room to newOwner, who must already be a
// participant. The outgoing owner keeps access as a room admin.
func TransferOwner(r *model.Room, by, newOwner uuid.UUID) error {
	if by != r.OwnerID {
		return errs.ErrForbidden
	}
	if !r.HasParticipant(newOwner) {
		return errs.ErrBadRequest
	}
	prev := r.OwnerID
	r.OwnerID = newOwner
	r.AdminIDs = without(r.AdminIDs, newOwner)
	if !contains(r.AdminIDs, prev) {
		r.AdminIDs = append(r.AdminIDs, prev)
	}
	return nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
