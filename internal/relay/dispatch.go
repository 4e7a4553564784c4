package relay

import (
	"encoding/json"
	"fmt"

	"lanchat/internal/errs"
	"lanchat/internal/wire"
)

// Dispatch routes one tagged request to its handler. The switch is the closed
// union over request kinds: anything outside it falls to the default case and
// is rejected as a bad request.
func (s *State) Dispatch(req wire.Request) (any, error) {
	switch req.Type {
	case wire.TypeRegisterUser:
		var p wire.RegisterUser
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.RegisterUser(p)
	case wire.TypeUnregisterUser:
		var p wire.UnregisterUser
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.UnregisterUser(p)
	case wire.TypeHeartbeat:
		var p wire.Heartbeat
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.Heartbeat(p)
	case wire.TypeSendMessage:
		var p wire.SendMessage
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.SendMessage(p)
	case wire.TypeCreateRoom:
		var p wire.CreateRoom
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.CreateRoom(p)
	case wire.TypeUpdateRoom:
		var p wire.UpdateRoom
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.UpdateRoom(p)
	case wire.TypeDeleteRoom:
		var p wire.DeleteRoom
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.DeleteRoom(p)
	case wire.TypeRegisterDevice:
		var p wire.RegisterDevice
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.RegisterDevice(p)
	case wire.TypeKeyUpdate:
		var p wire.KeyUpdate
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.KeyUpdate(p)
	case wire.TypeInitFileTransfer:
		var p wire.InitFileTransfer
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.InitFileTransfer(p)
	case wire.TypeUploadChunk:
		var p wire.UploadChunk
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.UploadChunk(p)
	case wire.TypeListFileTransfers:
		var p wire.ListFileTransfers
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.ListFileTransfers(p)
	case wire.TypeDownloadFileChunk:
		var p wire.DownloadFileChunk
		if err := decode(req.Payload, &p); err != nil {
			return nil, err
		}
		return s.DownloadFileChunk(p)
	case wire.TypeGetState:
		return s.GetState()
	default:
		return nil, fmt.Errorf("unknown request type %q: %w", req.Type, errs.ErrBadRequest)
	}
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload: %w", errs.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("malformed payload: %w", errs.ErrBadRequest)
	}
	return nil
}
