// Package transport is the client side of the relay contract: one method per
// request type, all synchronous request/response with no persistent session.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lanchat/internal/errs"
	"lanchat/internal/wire"
)

// Client talks to one relay endpoint.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient builds a client for the relay at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// do posts one tagged request and decodes the typed response into out.
func (c *Client) do(ctx context.Context, typ string, payload, out any) error {
	req := wire.Request{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: marshal payload: %w", typ, err)
		}
		req.Payload = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", typ, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", typ, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb wire.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return fmt.Errorf("%s: relay says %q: %w", typ, eb.Error, sentinelFor(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", typ, err)
	}
	return nil
}

// sentinelFor maps HTTP statuses back onto the shared sentinels so callers
// can branch with errors.Is regardless of which side produced the error.
func sentinelFor(status int) error {
	switch status {
	case http.StatusForbidden:
		return errs.ErrForbidden
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusConflict:
		return errs.ErrAlreadyExists
	default:
		return errs.ErrBadRequest
	}
}

func (c *Client) RegisterUser(ctx context.Context, req wire.RegisterUser) (wire.RegisterUserResponse, error) {
	var out wire.RegisterUserResponse
	err := c.do(ctx, wire.TypeRegisterUser, req, &out)
	return out, err
}

func (c *Client) UnregisterUser(ctx context.Context, req wire.UnregisterUser) (wire.PeerListResponse, error) {
	var out wire.PeerListResponse
	err := c.do(ctx, wire.TypeUnregisterUser, req, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, req wire.Heartbeat) (wire.HeartbeatResponse, error) {
	var out wire.HeartbeatResponse
	err := c.do(ctx, wire.TypeHeartbeat, req, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, req wire.SendMessage) (wire.SendMessageResponse, error) {
	var out wire.SendMessageResponse
	err := c.do(ctx, wire.TypeSendMessage, req, &out)
	return out, err
}

func (c *Client) CreateRoom(ctx context.Context, req wire.CreateRoom) (wire.RoomListResponse, error) {
	var out wire.RoomListResponse
	err := c.do(ctx, wire.TypeCreateRoom, req, &out)
	return out, err
}

func (c *Client) UpdateRoom(ctx context.Context, req wire.UpdateRoom) (wire.RoomResponse, error) {
	var out wire.RoomResponse
	err := c.do(ctx, wire.TypeUpdateRoom, req, &out)
	return out, err
}

func (c *Client) DeleteRoom(ctx context.Context, req wire.DeleteRoom) (wire.RoomListResponse, error) {
	var out wire.RoomListResponse
	err := c.do(ctx, wire.TypeDeleteRoom, req, &out)
	return out, err
}

func (c *Client) RegisterDevice(ctx context.Context, req wire.RegisterDevice) (wire.DeviceListResponse, error) {
	var out wire.DeviceListResponse
	err := c.do(ctx, wire.TypeRegisterDevice, req, &out)
	return out, err
}

func (c *Client) KeyUpdate(ctx context.Context, req wire.KeyUpdate) error {
	return c.do(ctx, wire.TypeKeyUpdate, req, &wire.Ack{})
}

func (c *Client) InitFileTransfer(ctx context.Context, req wire.InitFileTransfer) error {
	return c.do(ctx, wire.TypeInitFileTransfer, req, &wire.Ack{})
}

func (c *Client) UploadChunk(ctx context.Context, req wire.UploadChunk) (wire.UploadChunkResponse, error) {
	var out wire.UploadChunkResponse
	err := c.do(ctx, wire.TypeUploadChunk, req, &out)
	return out, err
}

func (c *Client) ListFileTransfers(ctx context.Context, req wire.ListFileTransfers) (wire.ListFileTransfersResponse, error) {
	var out wire.ListFileTransfersResponse
	err := c.do(ctx, wire.TypeListFileTransfers, req, &out)
	return out, err
}

func (c *Client) DownloadFileChunk(ctx context.Context, req wire.DownloadFileChunk) (wire.ChunkResponse, error) {
	var out wire.ChunkResponse
	err := c.do(ctx, wire.TypeDownloadFileChunk, req, &out)
	return out, err
}

func (c *Client) GetState(ctx context.Context) (wire.StateResponse, error) {
	var out wire.StateResponse
	err := c.do(ctx, wire.TypeGetState, nil, &out)
	return out, err
}
