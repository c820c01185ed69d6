package interfaces

import (
	"context"
	"time"
)

// Ban is a persisted rate-limit ban.
type Ban struct {
	Identity  string    `json:"identity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// BanStore persists bans so they survive restarts
// ARCHITECTURAL DISCOVERY: Only bans are durable; sessions, indices and
// counters are process state and are rebuilt from client traffic
type BanStore interface {
	// SaveBan inserts or replaces the ban for ban.Identity
	SaveBan(ctx context.Context, ban Ban) error

	// DeleteBan removes a ban; deleting a missing ban is not an error
	DeleteBan(ctx context.Context, identity string) error

	// ActiveBans returns bans whose expiry is after now
	ActiveBans(ctx context.Context, now time.Time) ([]Ban, error)

	// PurgeExpiredBans deletes bans that expired at or before now
	PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error)

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the underlying database
	Close() error
}
