// Package transfer moves files between peers as sequences of independently
// encrypted chunks, tolerating arbitrary interleavings of chunk availability.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"lanchat/internal/crypto/peercrypto"
	"lanchat/internal/errs"
	"lanchat/internal/model"
	"lanchat/internal/transport"
	"lanchat/internal/wire"
)

// Reference defaults; both are configurable because no invariant depends on
// their exact values.
const (
	DefaultChunkSize    = 64 * 1024
	DefaultFetchBatch   = 5
	DefaultPollInterval = 3 * time.Second
)

// KeySource provides the active room key for chunk crypto.
type KeySource interface {
	ActiveKey() (model.RoomKey, bool)
}

// MessageSender emits the lightweight chat message referencing a completed
// outbound transfer into the channel the transfer was scoped to.
type MessageSender interface {
	Send(ctx context.Context, roomID *uuid.UUID, text string) (model.Message, error)
}

type inbound struct {
	transfer model.Transfer
	slots    [][]byte
	got      map[int]bool
	path     string // artifact location once completed
}

// Engine runs the send and receive state machines.
type Engine struct {
	logger    *zap.Logger
	client    *transport.Client
	keys      KeySource
	messenger MessageSender
	selfID    uuid.UUID

	chunkSize  int
	fetchBatch int
	interval   time.Duration
	outDir     string

	mu        sync.Mutex
	outbound  map[uuid.UUID]*model.Transfer
	incoming  map[uuid.UUID]*inbound
	dismissed map[uuid.UUID]bool
}

// Config carries the tunables; zero values select the reference defaults.
type Config struct {
	ChunkSize    int
	FetchBatch   int
	PollInterval time.Duration
	OutDir       string
}

// New builds a transfer engine for the given peer. messenger may be nil, in
// which case no reference message is emitted on completion.
func New(logger *zap.Logger, client *transport.Client, keys KeySource, messenger MessageSender, selfID uuid.UUID, cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = DefaultFetchBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.OutDir == "" {
		cfg.OutDir = os.TempDir()
	}
	return &Engine{
		logger:     logger,
		client:     client,
		keys:       keys,
		messenger:  messenger,
		selfID:     selfID,
		chunkSize:  cfg.ChunkSize,
		fetchBatch: cfg.FetchBatch,
		interval:   cfg.PollInterval,
		outDir:     cfg.OutDir,
		outbound:   make(map[uuid.UUID]*model.Transfer),
		incoming:   make(map[uuid.UUID]*inbound),
		dismissed:  make(map[uuid.UUID]bool),
	}
}

// ChunkCount returns the number of chunks for a payload of the given size:
// ceil(size/chunkSize), minimum 1 even for empty files.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	n := int(size) / chunkSize
	if int(size)%chunkSize != 0 {
		n++
	}
	return n
}

// Send announces and uploads a file as encrypted chunks. Metadata goes out
// before any chunk; chunks are sealed independently and uploaded in order.
// Failure at any chunk fails the whole transfer and halts remaining uploads.
// roomID scopes the completion message, audience scopes the recipients.
func (e *Engine) Send(ctx context.Context, fileName string, data []byte, audience model.Audience, roomID *uuid.UUID) (model.Transfer, error) {
	key, ok := e.keys.ActiveKey()
	if !ok {
		return model.Transfer{}, errs.ErrNoKey
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Transfer{}, err
	}
	total := ChunkCount(int64(len(data)), e.chunkSize)
	t := model.Transfer{
		ID:          id,
		SenderID:    e.selfID,
		FileName:    filepath.Base(fileName),
		FileSize:    int64(len(data)),
		TotalChunks: total,
		Audience:    audience,
		Status:      model.TransferPending,
		CreatedAt:   time.Now().UTC(),
	}
	e.mu.Lock()
	e.outbound[id] = &t
	e.mu.Unlock()

	err = e.client.InitFileTransfer(ctx, wire.InitFileTransfer{
		ID:          t.ID,
		SenderID:    t.SenderID,
		FileName:    t.FileName,
		FileSize:    t.FileSize,
		TotalChunks: t.TotalChunks,
		Recipients:  audience.RecipientList(),
	})
	if err != nil {
		e.setOutboundStatus(id, model.TransferFailed)
		return t, fmt.Errorf("announce transfer: %w", err)
	}
	e.setOutboundStatus(id, model.TransferInProgress)

	for i := 0; i < total; i++ {
		lo := i * e.chunkSize
		hi := lo + e.chunkSize
		if hi > len(data) {
			hi = len(data)
		}
		ct, nonce, serr := peercrypto.Seal(key, data[lo:hi])
		if serr != nil {
			e.setOutboundStatus(id, model.TransferFailed)
			return t, fmt.Errorf("seal chunk %d: %w", i, serr)
		}
		_, uerr := e.client.UploadChunk(ctx, wire.UploadChunk{
			TransferID:  id,
			Index:       i,
			TotalChunks: total,
			Ciphertext:  ct,
			Nonce:       nonce,
		})
		if uerr != nil {
			e.setOutboundStatus(id, model.TransferFailed)
			return t, fmt.Errorf("upload chunk %d/%d: %w", i, total, uerr)
		}
	}
	e.setOutboundStatus(id, model.TransferCompleted)
	e.logger.Info("transfer uploaded",
		zap.String("id", id.String()), zap.String("file", t.FileName), zap.Int("chunks", total))

	if e.messenger != nil {
		ref := fmt.Sprintf("shared a file: %s [transfer:%s]", t.FileName, id)
		if _, merr := e.messenger.Send(ctx, roomID, ref); merr != nil {
			e.logger.Warn("emitting transfer reference message", zap.Error(merr))
		}
	}
	t.Status = model.TransferCompleted
	return t, nil
}

func (e *Engine) setOutboundStatus(id uuid.UUID, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.outbound[id]; ok {
		t.Status = status
	}
}

// Run is the receive loop: one cycle, then re-arm after the interval. A slow
// cycle delays the next one rather than overlapping it.
func (e *Engine) Run(ctx context.Context) {
	for {
		e.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}

// cycle lists announcements scoped to this peer and advances every known
// incomplete transfer by a bounded batch of chunk fetches.
func (e *Engine) cycle(ctx context.Context) {
	resp, err := e.client.ListFileTransfers(ctx, wire.ListFileTransfers{UserID: e.selfID})
	if err != nil {
		e.logger.Debug("transfer poll failed, will retry next cycle", zap.Error(err))
		return
	}
	for _, ann := range resp.Transfers {
		e.ingest(ctx, ann)
	}
}

// Ingest folds one transfer announcement into the receive state machine.
// Dismissed ids never resurrect; duplicate announcements and duplicate chunk
// indices are no-ops.
func (e *Engine) ingest(ctx context.Context, ann wire.TransferAnnouncement) {
	e.mu.Lock()
	if e.dismissed[ann.ID] {
		e.mu.Unlock()
		return
	}
	in, ok := e.incoming[ann.ID]
	if !ok {
		in = &inbound{
			transfer: model.Transfer{
				ID:          ann.ID,
				SenderID:    ann.SenderID,
				FileName:    filepath.Base(ann.FileName),
				FileSize:    ann.FileSize,
				TotalChunks: ann.TotalChunks,
				Audience:    model.AudienceFromRecipients(ann.Recipients),
				Status:      model.TransferInProgress,
				CreatedAt:   time.Now().UTC(),
			},
			slots: make([][]byte, ann.TotalChunks),
			got:   make(map[int]bool, ann.TotalChunks),
		}
		e.incoming[ann.ID] = in
	}
	if in.transfer.Status == model.TransferCompleted {
		e.mu.Unlock()
		return
	}

	// chunks cannot be decrypted without a key; leave them unfetched rather
	// than fetched-then-discarded
	key, haveKey := e.keys.ActiveKey()
	if !haveKey {
		e.mu.Unlock()
		return
	}

	var wanted []int
	for _, idx := range ann.AvailableChunks {
		if idx < 0 || idx >= in.transfer.TotalChunks || in.got[idx] {
			continue
		}
		wanted = append(wanted, idx)
		if len(wanted) >= e.fetchBatch {
			break
		}
	}
	e.mu.Unlock()

	for _, idx := range wanted {
		chunk, err := e.client.DownloadFileChunk(ctx, wire.DownloadFileChunk{
			UserID:     e.selfID,
			TransferID: ann.ID,
			Index:      idx,
		})
		if err != nil {
			e.logger.Debug("chunk fetch failed", zap.Int("index", idx), zap.Error(err))
			continue
		}
		pt, err := peercrypto.Open(key, chunk.Ciphertext, chunk.Nonce)
		if err != nil {
			e.logger.Debug("chunk not decryptable under active key, deferred", zap.Int("index", idx))
			continue
		}
		e.mu.Lock()
		// a concurrent Dismiss may land between fetches; stop immediately
		if e.dismissed[ann.ID] {
			e.mu.Unlock()
			return
		}
		if !in.got[idx] {
			in.slots[idx] = pt
			in.got[idx] = true
		}
		complete := len(in.got) == in.transfer.TotalChunks
		e.mu.Unlock()

		if complete {
			e.finish(in)
			return
		}
	}
}

// finish reassembles the artifact by concatenating slots in index order and
// writes it under the output directory.
func (e *Engine) finish(in *inbound) {
	e.mu.Lock()
	if e.dismissed[in.transfer.ID] || in.transfer.Status == model.TransferCompleted {
		e.mu.Unlock()
		return
	}
	var buf bytes.Buffer
	for _, slot := range in.slots {
		buf.Write(slot)
	}
	in.transfer.Status = model.TransferCompleted
	name := fmt.Sprintf("%s-%s", in.transfer.ID, in.transfer.FileName)
	in.path = filepath.Join(e.outDir, name)
	e.mu.Unlock()

	if err := os.WriteFile(in.path, buf.Bytes(), 0o600); err != nil {
		e.logger.Warn("writing reassembled artifact", zap.Error(err))
		return
	}
	e.logger.Info("transfer complete",
		zap.String("id", in.transfer.ID.String()),
		zap.String("file", in.transfer.FileName),
		zap.String("path", in.path))
}

// Assemble returns the reassembled bytes of a completed inbound transfer.
func (e *Engine) Assemble(id uuid.UUID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.incoming[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if in.transfer.Status != model.TransferCompleted {
		return nil, fmt.Errorf("transfer %s not complete: %w", id, errs.ErrNotFound)
	}
	var buf bytes.Buffer
	for _, slot := range in.slots {
		buf.Write(slot)
	}
	return buf.Bytes(), nil
}

// Dismiss drops an inbound transfer from the local list. Fire and forget:
// nobody is notified, relay-side storage is untouched, and later
// announcements for the same id are ignored.
func (e *Engine) Dismiss(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.incoming, id)
	e.dismissed[id] = true
}

// Transfers returns a snapshot of all known transfers, outbound first, for
// display.
func (e *Engine) Transfers() []model.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Transfer, 0, len(e.outbound)+len(e.incoming))
	for _, t := range e.outbound {
		out = append(out, *t)
	}
	for _, in := range e.incoming {
		out = append(out, in.transfer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ArtifactPath returns where a completed inbound transfer was written.
func (e *Engine) ArtifactPath(id uuid.UUID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.incoming[id]
	if !ok || in.path == "" {
		return "", false
	}
	return in.path, true
}
