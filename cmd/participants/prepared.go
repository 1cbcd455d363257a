package main

import (
	"context"
	"errors"
	"slices"

	"fulfillment/internal/adapters/grpc"
)

// preparedSet serves the prepared transactions of several participants as
// one. Transaction ids are unique across participants, and every participant
// treats an unknown id as already resolved, so Commit and Rollback go to all.
type preparedSet []grpc.PreparedTransactions

func (s preparedSet) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	for _, p := range s {
		active, err := p.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		ids = append(ids, active...)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s preparedSet) Commit(ctx context.Context, id string) error {
	var errs []error
	for _, p := range s {
		errs = append(errs, p.Commit(ctx, id))
	}
	return errors.Join(errs...)
}

func (s preparedSet) Rollback(ctx context.Context, id string) error {
	var errs []error
	for _, p := range s {
		errs = append(errs, p.Rollback(ctx, id))
	}
	return errors.Join(errs...)
}
