package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"lanchat/internal/crypto/peercrypto"
	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/rooms"
	"lanchat/internal/store"
	"lanchat/internal/transport"
	"lanchat/internal/wire"
)

// DefaultPollInterval is the reference heartbeat cadence.
const DefaultPollInterval = 2 * time.Second

// KeyExchanger is what the synchronizer needs from the key-exchange engine:
// consume envelopes delivered by a poll, push the current key to newly seen
// peers, and expose the active key for outbound encryption.
type KeyExchanger interface {
	ConsumeEnvelopes(ctx context.Context, envs []model.KeyEnvelope)
	Distribute(ctx context.Context, online []model.Peer)
	ActiveKey() (model.RoomKey, bool)
}

// Synchronizer reconciles local state with the relay on a fixed interval.
// A failed poll is retried silently on the next tick: the transport has no
// persistent session to break, so there is no backoff and no circuit breaker.
type Synchronizer struct {
	logger   *zap.Logger
	client   *transport.Client
	store    store.Store
	state    *State
	keys     KeyExchanger
	interval time.Duration
}

// New builds a synchronizer. keys may be nil when running without encryption.
// A non-positive interval selects the default.
func New(logger *zap.Logger, client *transport.Client, st store.Store, state *State, keys KeyExchanger, interval time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Synchronizer{
		logger:   logger,
		client:   client,
		store:    st,
		state:    state,
		keys:     keys,
		interval: interval,
	}
}

// State exposes the local view for UI layers.
func (s *Synchronizer) State() *State { return s.state }

// Register announces the local identity to the relay and folds the bootstrap
// snapshot (online set, full history) into local state.
func (s *Synchronizer) Register(ctx context.Context) error {
	self := s.state.Self()
	resp, err := s.client.RegisterUser(ctx, wire.RegisterUser{
		ID:          self.ID,
		DisplayName: self.DisplayName,
		IsAdmin:     self.IsAdmin,
		PublicKey:   self.PublicKey,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	s.absorbMessages(ctx, resp.Messages)
	// a fresh relay process assigns sequence numbers from 1 again; the cursor
	// must follow the bootstrap history, not the previous epoch
	var head int64
	for _, m := range resp.Messages {
		if m.Seq > head {
			head = m.Seq
		}
	}
	s.state.ResetSeq(head)
	s.state.ReplacePresence(resp.Peers)
	return nil
}

// Run polls once eagerly, then on the fixed interval until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) {
	s.pollOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce performs one heartbeat reconciliation cycle.
func (s *Synchronizer) pollOnce(ctx context.Context) {
	self := s.state.Self()
	hb, err := s.client.Heartbeat(ctx, wire.Heartbeat{UserID: self.ID, LastSeq: s.state.LastSeq()})
	if err != nil {
		// relay may have restarted and forgotten us; re-register and let the
		// next tick resume the delta stream
		if errors.Is(err, errs.ErrNotFound) {
			if rerr := s.Register(ctx); rerr == nil {
				s.logger.Info("re-registered after relay restart")
				return
			}
		}
		s.logger.Debug("poll failed, will retry next tick", zap.Error(err))
		return
	}

	s.absorbMessages(ctx, hb.Messages)
	s.state.AdvanceSeq(hb.LastSeq)
	s.state.ReplacePresence(hb.Peers)
	s.state.SetRooms(hb.Rooms)
	s.state.SetDevices(hb.Devices)

	if s.keys != nil {
		if len(hb.Envelopes) > 0 {
			s.keys.ConsumeEnvelopes(ctx, hb.Envelopes)
		}
		s.keys.Distribute(ctx, hb.Peers)
	}
}

// absorbMessages durably records every received message before exposing it
// to the in-memory view.
func (s *Synchronizer) absorbMessages(ctx context.Context, msgs []model.Message) {
	for _, m := range msgs {
		if err := s.persistMessage(ctx, m); err != nil {
			s.logger.Warn("persisting message", zap.String("id", m.ID.String()), zap.Error(err))
		}
	}
	s.state.MergeMessages(msgs)
	if s.keys != nil {
		if key, ok := s.keys.ActiveKey(); ok {
			s.state.ReDecrypt(key)
		}
	}
	for _, m := range msgs {
		s.state.AdvanceSeq(m.Seq)
	}
}

func (s *Synchronizer) persistMessage(ctx context.Context, m model.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, "message/"+m.ID.String(), b)
}

// Send posts a message into the given room (nil for the global channel).
// The global write gate is enforced here, before any relay call. The local
// copy is stored immediately, independent of transport success; the relay
// ack merges the assigned sequence number back in.
func (s *Synchronizer) Send(ctx context.Context, roomID *uuid.UUID, text string) (model.Message, error) {
	self := s.state.Self()
	if roomID == nil {
		if !rooms.CanWriteGlobal(self) {
			return model.Message{}, fmt.Errorf("global channel is admin-only: %w", errs.ErrForbidden)
		}
	} else if r, ok := s.state.Room(*roomID); ok && !rooms.CanWrite(r, self.ID) {
		return model.Message{}, fmt.Errorf("not a participant of %s: %w", *roomID, errs.ErrForbidden)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Message{}, err
	}
	local := model.Message{
		ID:       id,
		SenderID: self.ID,
		RoomID:   roomID,
		Content:  text,
		SentAt:   time.Now().UTC(),
	}

	outbound := local
	if s.keys != nil {
		if key, ok := s.keys.ActiveKey(); ok {
			ct, nonce, serr := peercrypto.Seal(key, []byte(text))
			if serr != nil {
				return model.Message{}, serr
			}
			local.Encrypted, local.Ciphertext, local.Nonce = true, ct, nonce
			outbound = local
			outbound.Content = "" // plaintext never leaves the peer
		}
	}

	// durable local copy first, then in-memory view, then the wire
	if err := s.persistMessage(ctx, local); err != nil {
		s.logger.Warn("persisting outbound message", zap.Error(err))
	}
	s.state.PutMessage(local)

	resp, err := s.client.SendMessage(ctx, wire.SendMessage{Message: outbound})
	if err != nil {
		s.logger.Debug("send not acknowledged, kept locally", zap.Error(err))
		return local, nil
	}

	acked := resp.Message
	if local.Encrypted {
		acked.Content = local.Content // restore the local plaintext view
	}
	if err := s.persistMessage(ctx, acked); err != nil {
		s.logger.Warn("persisting acked message", zap.Error(err))
	}
	s.state.PutMessage(acked)
	s.state.AdvanceSeq(acked.Seq)
	return acked, nil
}

// CreateRoom registers a room on the relay and mirrors it locally.
func (s *Synchronizer) CreateRoom(ctx context.Context, name string, isPublic bool, participants []uuid.UUID) (*model.Room, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	self := s.state.Self()
	resp, err := s.client.CreateRoom(ctx, wire.CreateRoom{
		ID:           id,
		Name:         name,
		CreatedBy:    self.ID,
		IsPublic:     isPublic,
		Participants: participants,
	})
	if err != nil {
		return nil, err
	}
	s.state.SetRooms(resp.Rooms)
	r, _ := s.state.Room(id)
	return r, nil
}

// RedeemInvite joins a room via an invitation code. A known room is joined
// through the relay; an unknown one becomes a provisional private record.
func (s *Synchronizer) RedeemInvite(ctx context.Context, code string) (*model.Room, error) {
	inv, err := rooms.DecodeInvite(code)
	if err != nil {
		return nil, err
	}
	self := s.state.Self()
	if _, known := s.state.Room(inv.RoomID); known {
		selfID := self.ID
		resp, uerr := s.client.UpdateRoom(ctx, wire.UpdateRoom{
			RoomID:         inv.RoomID,
			ByUserID:       inv.InviterID,
			AddParticipant: &selfID,
		})
		if uerr != nil {
			return nil, uerr
		}
		s.state.UpsertRoom(&resp.Room)
		return &resp.Room, nil
	}
	r := rooms.ProvisionalRoom(inv, self.ID)
	s.state.UpsertRoom(r)
	return r, nil
}
