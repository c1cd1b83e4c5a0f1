package telegram

import (
	"context"
	"errors"

	"github.com/gotd/td/tgerr"

	errs "tgingest/pkg/errors"
)

// RPC error types that mean the channel itself cannot be read
var accessErrors = []string{
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"CHANNEL_PUBLIC_GROUP_NA",
	"USERNAME_INVALID",
	"USERNAME_NOT_OCCUPIED",
	"CHAT_ADMIN_REQUIRED",
}

// RPC error types on file downloads that only affect that one asset
var mediaDataErrors = []string{
	"FILE_REFERENCE_EXPIRED",
	"FILE_REFERENCE_INVALID",
	"FILE_ID_INVALID",
	"LOCATION_INVALID",
}

// classify maps an MTProto failure onto the ingestion error taxonomy
func classify(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		e := errs.Throttle(op, d, err)
		e.Channel = channel
		return e
	}
	if tgerr.Is(err, accessErrors...) {
		return errs.Access(op, channel, err)
	}
	if tgerr.Is(err, mediaDataErrors...) {
		e := errs.Data(op, err.Error())
		e.Channel = channel
		return e
	}

	if rpcErr, ok := tgerr.As(err); ok {
		if rpcErr.Code >= 500 || rpcErr.Type == "TIMEOUT" {
			return errs.WithChannel(errs.Transient(op, err), channel)
		}
		return &errs.Error{Type: errs.ErrorTypeUnknown, Op: op, Channel: channel, Err: err}
	}

	// anything below the RPC layer is connectivity
	return errs.WithChannel(errs.Transient(op, err), channel)
}
