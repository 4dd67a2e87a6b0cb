package ride

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

var ErrNotCached = errors.New("ride snapshot not cached")

// Cache stores the last known view per ride so a screen can render something
// before the first network round trip completes. The cache is advisory: a
// reconciled view from the coordinator always wins over a cached one.
type Cache struct {
	db *sqlx.DB
}

func NewCache(db *sqlx.DB) *Cache {
	return &Cache{db: db}
}

func (c *Cache) Put(ctx context.Context, v View) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, putSnapshot, v.RideID, payload)
	return err
}

const putSnapshot = `
INSERT INTO ride_snapshots (ride_id, payload, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (ride_id) DO UPDATE SET payload = $2, updated_at = now()
`

// Get returns the cached view for rideID, marked Provisional.
func (c *Cache) Get(ctx context.Context, rideID string) (View, error) {
	var payload []byte
	err := c.db.GetContext(ctx, &payload, getSnapshot, rideID)
	if errors.Is(err, sql.ErrNoRows) {
		return View{}, ErrNotCached
	}
	if err != nil {
		return View{}, err
	}

	var v View
	if err := json.Unmarshal(payload, &v); err != nil {
		return View{}, err
	}
	v.Provisional = true
	return v, nil
}

const getSnapshot = `SELECT payload FROM ride_snapshots WHERE ride_id = $1`

// Evict drops the cached snapshot for a ride that reached a terminal status.
func (c *Cache) Evict(ctx context.Context, rideID string) error {
	_, err := c.db.ExecContext(ctx, evictSnapshot, rideID)
	return err
}

const evictSnapshot = `DELETE FROM ride_snapshots WHERE ride_id = $1`
