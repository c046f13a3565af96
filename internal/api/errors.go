package api

import (
	"context"
	"errors"

	"github.com/matheus3301/chatmirror/internal/chat"
	"github.com/matheus3301/chatmirror/internal/puller"
	"github.com/matheus3301/chatmirror/internal/worker"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain and lifecycle errors onto gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Errorf(codeFor(err), "%s: %v", op, err)
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, chat.ErrInvalidEvent):
		return codes.InvalidArgument
	case errors.Is(err, puller.ErrAlreadyRunning):
		return codes.AlreadyExists
	case errors.Is(err, puller.ErrConsistency), errors.Is(err, puller.ErrEndpointConflict), errors.Is(err, chat.ErrDataInconsistency):
		return codes.FailedPrecondition
	case errors.Is(err, puller.ErrTimeout), errors.Is(err, worker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, chat.ErrStoreUnavailable), errors.Is(err, worker.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

func invalidArgument(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}
