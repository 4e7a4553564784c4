// Package keyring manages the peer's identity key pair and the active room
// key: generation, envelope-based distribution to online peers, passphrase
// fallback and adoption of incoming envelopes.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"lanchat/internal/crypto/peercrypto"
	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/store"
	"lanchat/internal/syncer"
	"lanchat/internal/transport"
	"lanchat/internal/wire"
)

const (
	identityKey = "keyring/identity"
	roomKeyKey  = "keyring/roomkey"
)

// Engine implements the key-exchange protocol. It satisfies
// syncer.KeyExchanger.
type Engine struct {
	logger     *zap.Logger
	store      store.Store
	client     *transport.Client
	state      *syncer.State
	passphrase string

	mu       sync.Mutex
	identity peercrypto.Identity
	active   *model.RoomKey
	// ledger is keyed by (room-key fingerprint, peer id): a rotation re-arms
	// distribution to every peer. Session-scoped, deliberately not persisted.
	ledger map[string]map[uuid.UUID]bool
}

// New builds the engine. passphrase may be empty (no offline fallback).
func New(logger *zap.Logger, st store.Store, client *transport.Client, state *syncer.State, passphrase string) *Engine {
	return &Engine{
		logger:     logger,
		store:      st,
		client:     client,
		state:      state,
		passphrase: passphrase,
		ledger:     make(map[string]map[uuid.UUID]bool),
	}
}

var _ syncer.KeyExchanger = (*Engine)(nil)

// Init loads or generates the persisted identity key pair and restores any
// persisted room key; with no key and a configured passphrase it derives the
// offline-fallback key.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.store.Get(ctx, identityKey)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, &e.identity); jerr != nil {
			return fmt.Errorf("keyring: corrupt identity record: %w", jerr)
		}
	case errors.Is(err, errs.ErrNotFound):
		id, gerr := peercrypto.GenerateIdentity()
		if gerr != nil {
			return fmt.Errorf("keyring: generate identity: %w", gerr)
		}
		b, _ := json.Marshal(id)
		if serr := e.store.Set(ctx, identityKey, b); serr != nil {
			return fmt.Errorf("keyring: persist identity: %w", serr)
		}
		e.identity = id
		e.logger.Info("generated new identity key pair")
	default:
		return fmt.Errorf("keyring: load identity: %w", err)
	}
	e.state.SetPublicKey(e.identity.Public)

	if raw, err := e.store.Get(ctx, roomKeyKey); err == nil {
		var key model.RoomKey
		if jerr := json.Unmarshal(raw, &key); jerr == nil && len(key.Raw) == peercrypto.KeyLen {
			e.active = &key
		}
	}
	if e.active == nil && e.passphrase != "" {
		key := peercrypto.DeriveRoomKey(e.passphrase)
		e.active = &key
		e.persistKeyLocked(ctx)
		e.logger.Info("derived room key from passphrase")
	}
	return nil
}

// EnsureRoomKey generates a fresh room key if this peer holds the admin role
// and no key exists yet. Non-admin peers wait for an envelope or rely on the
// passphrase fallback.
func (e *Engine) EnsureRoomKey(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil || !e.state.Self().IsAdmin {
		return nil
	}
	key, err := peercrypto.NewRoomKey()
	if err != nil {
		return fmt.Errorf("keyring: generate room key: %w", err)
	}
	e.active = &key
	e.persistKeyLocked(ctx)
	e.logger.Info("generated fresh room key", zap.String("fingerprint", key.Fingerprint()))
	return nil
}

// PublicKey returns the identity public key.
func (e *Engine) PublicKey() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity.Public
}

// ActiveKey returns the current room key, if any.
func (e *Engine) ActiveKey() (model.RoomKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return model.RoomKey{}, false
	}
	return *e.active, true
}

// ConsumeEnvelopes unwraps delivered envelopes with the identity private key.
// A successful unwrap supersedes the active key immediately and re-attempts
// decryption of every held message; a failed one is dropped without retry.
func (e *Engine) ConsumeEnvelopes(ctx context.Context, envs []model.KeyEnvelope) {
	for _, env := range envs {
		e.mu.Lock()
		key, err := peercrypto.UnwrapKey(e.identity.Private, env)
		if err != nil {
			e.mu.Unlock()
			e.logger.Debug("dropping undecryptable key envelope",
				zap.String("from", env.FromID.String()), zap.Error(err))
			continue
		}
		changed := e.active == nil || e.active.Fingerprint() != key.Fingerprint()
		e.active = &key
		e.persistKeyLocked(ctx)
		e.mu.Unlock()

		if changed {
			n := e.state.ReDecrypt(key)
			e.logger.Info("adopted room key from envelope",
				zap.String("from", env.FromID.String()),
				zap.String("fingerprint", key.Fingerprint()),
				zap.Int("messagesUnlocked", n))
		}
	}
}

// Distribute wraps the active key for every online peer with a known public
// identity key that has not yet been sent this key generation, and queues
// the envelopes via the relay. The (fingerprint, peer) ledger entry is
// marked only after the relay accepts the envelope, so a transport failure
// is retried on the next tick.
func (e *Engine) Distribute(ctx context.Context, online []model.Peer) {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return
	}
	key := *e.active
	fp := key.Fingerprint()
	sent, ok := e.ledger[fp]
	if !ok {
		sent = make(map[uuid.UUID]bool)
		e.ledger[fp] = sent
	}
	selfID := e.state.Self().ID
	var targets []model.Peer
	for _, p := range online {
		if p.ID == selfID || len(p.PublicKey) == 0 || sent[p.ID] {
			continue
		}
		targets = append(targets, p)
	}
	e.mu.Unlock()

	for _, p := range targets {
		env, err := peercrypto.WrapKey(key, p.PublicKey)
		if err != nil {
			e.logger.Warn("wrapping room key", zap.String("peer", p.ID.String()), zap.Error(err))
			continue
		}
		err = e.client.KeyUpdate(ctx, wire.KeyUpdate{
			TargetUserID: p.ID,
			FromUserID:   selfID,
			Envelope:     env,
		})
		if err != nil {
			e.logger.Debug("key envelope not delivered, will retry", zap.Error(err))
			continue
		}
		e.mu.Lock()
		sent[p.ID] = true
		e.mu.Unlock()
		e.logger.Info("distributed room key", zap.String("peer", p.ID.String()), zap.String("fingerprint", fp))
	}
}

func (e *Engine) persistKeyLocked(ctx context.Context) {
	b, err := json.Marshal(e.active)
	if err == nil {
		err = e.store.Set(ctx, roomKeyKey, b)
	}
	if err != nil {
		e.logger.Warn("persisting room key", zap.Error(err))
	}
}
