// Package store is the relational persistence collaborator. The core
// treats it as an opaque durability sink reachable through narrow
// load/save calls; its schema is its own business and store failures are
// never fatal to the caller.
package store

import (
	"context"

	"github.com/curbgrid/curbgrid/pkg/types"
)

// Store is the narrow collaborator interface the core consumes.
type Store interface {
	SaveRequest(ctx context.Context, req *types.Request) error
	LoadAllRequests(ctx context.Context) ([]*types.Request, error)

	SaveJob(ctx context.Context, job *types.Job) error
	LoadJobsForUser(ctx context.Context, userID types.UserID) ([]*types.Job, error)

	SaveVehicle(ctx context.Context, v *types.Vehicle) error
	LoadVehiclesForUser(ctx context.Context, userID types.UserID) ([]*types.Vehicle, error)

	AddNotificationHistory(ctx context.Context, userID types.UserID, message string) error
	GetNotificationHistory(ctx context.Context, userID types.UserID) ([]string, error)

	Close() error
}
