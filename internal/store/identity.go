package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"waveos/go-presence/internal/model"
)

// UpsertProfile inserts p or updates the mutable fields of an existing profile.
func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO profiles (id, username, display_name, avatar_url, bio, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id)
		 DO UPDATE SET username = excluded.username,
				 display_name = excluded.display_name,
				 avatar_url = excluded.avatar_url,
				 bio = excluded.bio,
				 is_active = excluded.is_active,
				 updated_at = excluded.updated_at;`,
		p.ID, p.Username, p.DisplayName, p.AvatarURL, p.Bio, p.Active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Profile returns the profile with the given id.
func (s *Store) Profile(ctx context.Context, id string) (model.Profile, error) {
	var (
		p                    model.Profile
		createdAt, updatedAt string
	)
	err := s.q.QueryRowContext(
		ctx,
		`SELECT id, username, display_name, avatar_url, bio, is_active, created_at, updated_at
		 FROM profiles WHERE id = ?;`,
		id,
	).Scan(&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.Bio, &p.Active, &createdAt, &updatedAt)
	if err != nil {
		return model.Profile{}, fmt.Errorf("query profile: %w", notFound(err))
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Profile{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

// InsertBlock records that blocker no longer wants contact with blocked.
func (s *Store) InsertBlock(ctx context.Context, blockerID, blockedID string, at time.Time) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(blocker_id, blocked_id) DO NOTHING;`,
		blockerID, blockedID, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// Blocked reports whether either user has blocked the other.
func (s *Store) Blocked(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM blocks
		 WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?);`,
		a, b, b, a,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query blocks: %w", err)
	}
	return n > 0, nil
}

// DeactivateBeacons marks every active beacon owned by userID inactive.
func (s *Store) DeactivateBeacons(ctx context.Context, userID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE beacons SET is_active = 0 WHERE user_id = ? AND is_active = 1;`, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate beacons: %w", err)
	}
	return res.RowsAffected()
}

// InsertBeacon persists a newly issued beacon.
func (s *Store) InsertBeacon(ctx context.Context, b model.Beacon) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO beacons (beacon_id, user_id, created_at, expires_at, is_active) VALUES (?, ?, ?, ?, ?);`,
		b.BeaconID, b.OwnerID, formatTime(b.CreatedAt), formatTime(b.ExpiresAt), b.Active,
	)
	if err != nil {
		return fmt.Errorf("insert beacon: %w", err)
	}
	return nil
}

// ActiveBeacon returns the beacon if it is active and unexpired at now.
func (s *Store) ActiveBeacon(ctx context.Context, beaconID string, now time.Time) (model.Beacon, error) {
	var (
		b                    model.Beacon
		createdAt, expiresAt string
	)
	err := s.q.QueryRowContext(
		ctx,
		`SELECT beacon_id, user_id, created_at, expires_at, is_active FROM beacons
		 WHERE beacon_id = ? AND is_active = 1 AND expires_at > ?;`,
		beaconID, formatTime(now),
	).Scan(&b.BeaconID, &b.OwnerID, &createdAt, &expiresAt, &b.Active)
	if err != nil {
		return model.Beacon{}, fmt.Errorf("query beacon: %w", notFound(err))
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Beacon{}, err
	}
	if b.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return model.Beacon{}, err
	}
	return b, nil
}

// ActiveBeaconCount returns how many active beacons userID owns.
func (s *Store) ActiveBeaconCount(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM beacons WHERE user_id = ? AND is_active = 1;`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count beacons: %w", err)
	}
	return n, nil
}

// UpsertPresence records that userID is broadcasting beaconID.
func (s *Store) UpsertPresence(ctx context.Context, userID, beaconID string, seen, expires time.Time) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO presence (user_id, beacon_id, last_seen_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id)
		 DO UPDATE SET beacon_id = excluded.beacon_id,
				 last_seen_at = excluded.last_seen_at,
				 expires_at = excluded.expires_at;`,
		userID, beaconID, formatTime(seen), formatTime(expires),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// InsertGhostZone persists a new zone.
func (s *Store) InsertGhostZone(ctx context.Context, z model.GhostZone) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO ghost_zones (id, user_id, name, latitude, longitude, radius_meters, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		z.ZoneID, z.OwnerID, z.Name, z.Center.Latitude, z.Center.Longitude, z.RadiusMeters, z.Active, formatTime(z.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ghost zone: %w", err)
	}
	return nil
}

// ActiveGhostZones lists the active zones owned by userID, oldest first.
func (s *Store) ActiveGhostZones(ctx context.Context, userID string) ([]model.GhostZone, error) {
	rows, err := s.q.QueryContext(
		ctx,
		`SELECT id, user_id, name, latitude, longitude, radius_meters, is_active, created_at
		 FROM ghost_zones WHERE user_id = ? AND is_active = 1 ORDER BY created_at ASC, rowid ASC;`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query ghost zones: %w", err)
	}
	defer rows.Close()

	zones := []model.GhostZone{}
	for rows.Next() {
		var (
			z         model.GhostZone
			createdAt string
		)
		if err := rows.Scan(&z.ZoneID, &z.OwnerID, &z.Name, &z.Center.Latitude, &z.Center.Longitude, &z.RadiusMeters, &z.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ghost zone: %w", err)
		}
		if z.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ghost zones: %w", err)
	}
	return zones, nil
}

func scanNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
