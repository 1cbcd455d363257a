package grpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

const (
	reasonUnexpectedStatus = "UNEXPECTED_ENTITY_STATUS"
	errorDomain            = "fulfillment"
)

// ToStatus maps a domain error to a gRPC status. Errors that already carry a
// status pass through unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		unexpected *saga.UnexpectedStatusError
		prepare    *tpc.PrepareError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &unexpected):
		return unexpectedStatus(unexpected)
	case errors.As(err, &prepare):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, saga.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, saga.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unexpectedStatus(e *saga.UnexpectedStatusError) error {
	st := status.New(codes.FailedPrecondition, e.Error())
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reasonUnexpectedStatus,
		Domain: errorDomain,
		Metadata: map[string]string{
			"type":     saga.UnexpectedStatusErrorType,
			"entity":   e.Entity,
			"id":       e.ID,
			"status":   e.Status,
			"expected": strings.Join(e.Expected, ","),
		},
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// FromStatus turns a gRPC status back into the domain error it was built from.
// Statuses without a domain meaning are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetReason() != reasonUnexpectedStatus {
			continue
		}
		md := info.GetMetadata()
		var expected []string
		if md["expected"] != "" {
			expected = strings.Split(md["expected"], ",")
		}
		return &saga.UnexpectedStatusError{
			Entity:   md["entity"],
			ID:       md["id"],
			Status:   md["status"],
			Expected: expected,
		}
	}

	switch st.Code() {
	case codes.NotFound:
		return &remoteError{msg: st.Message(), kind: saga.ErrNotFound}
	case codes.InvalidArgument:
		return &remoteError{msg: st.Message(), kind: saga.ErrInvalidArgument}
	case codes.Canceled:
		return &remoteError{msg: st.Message(), kind: context.Canceled}
	case codes.DeadlineExceeded:
		return &remoteError{msg: st.Message(), kind: context.DeadlineExceeded}
	default:
		return err
	}
}

// remoteError keeps the peer's message and matches the sentinel it stands for.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }
