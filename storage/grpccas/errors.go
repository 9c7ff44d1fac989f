package grpccas

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/immutablenpc/npc/storage"
)

// toStatus encodes a backend error as the status code the client decodes
// in fromStatus. Errors with no storage meaning travel as codes.Internal.
func toStatus(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, storage.ErrNotFound.Error())
	case errors.Is(err, storage.ErrInvalidCID):
		return status.Error(codes.InvalidArgument, storage.ErrInvalidCID.Error())
	case errors.Is(err, storage.ErrCIDMismatch):
		return status.Error(codes.DataLoss, storage.ErrCIDMismatch.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus maps a failed call back onto storage sentinels. Cancellation
// keeps the status error but also matches the context error, so callers
// can tell their own cancellation apart from a broken backend.
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpccas: %s: %w", op, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("grpccas: %s: %w", op, storage.ErrNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("grpccas: %s: %w", op, storage.ErrInvalidCID)
	case codes.DataLoss:
		return fmt.Errorf("grpccas: %s: %w", op, storage.ErrCIDMismatch)
	case codes.Canceled:
		return errors.Join(context.Canceled, err)
	case codes.DeadlineExceeded:
		return errors.Join(context.DeadlineExceeded, err)
	}
	return fmt.Errorf("grpccas: %s: %w", op, err)
}
