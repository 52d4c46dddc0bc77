// Package postgres implements store.RoomDAG and store.Writer on top of
// go.mau.fi/util/dbutil, following the teacher repo's query-helper-per-table
// convention (see the former database/ package this was adapted from, and
// synapsedb/db.go for the schema-version-check idiom reused in CheckSchema).
package postgres

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// SchemaVersion is the version this package's queries expect. CheckSchema
// warns (rather than failing) when the live schema is older or newer,
// mirroring synapsedb.SynapseDB.CheckVersion's tolerance for drift between
// a homeserver's code and a database it doesn't own migrations for.
const SchemaVersion = 1

// Store is the Postgres-backed Room DAG store. It embeds *dbutil.Database
// directly (as the teacher's database.Database does) so callers needing
// access to the raw connection pool for migrations or health checks don't
// need a second handle.
type Store struct {
	*dbutil.Database

	Events     *EventQuery
	Refs       *RefQuery
	HeadsTable *HeadQuery
	State      *StateQuery

	// viewportWidth is the recent-history depth window used by Viewport; 0
	// means unwindowed. Set via WithViewportWidth.
	viewportWidth int64
}

// New wraps an already-migrated *dbutil.Database.
func New(db *dbutil.Database) *Store {
	s := &Store{Database: db}
	s.Events = &EventQuery{QueryHelper: dbutil.MakeQueryHelper(db, newEventRow), db: db}
	s.Refs = &RefQuery{db: db}
	s.HeadsTable = &HeadQuery{db: db}
	s.State = &StateQuery{db: db}
	return s
}

// CheckSchema logs a warning if the live database's schema_meta version
// doesn't match what this package's queries expect; it does not fail
// startup, since a newer-but-compatible schema is common during rollout.
func (s *Store) CheckSchema(ctx context.Context) error {
	var current int
	err := s.QueryRow(ctx, "SELECT version FROM schema_meta").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema_meta: %w", err)
	}
	if current != SchemaVersion {
		zerolog.Ctx(ctx).Warn().
			Int("expected_version", SchemaVersion).
			Int("current_version", current).
			Msg("Room DAG store schema version does not match expected version")
	}
	return nil
}

// Migrations is the ordered list of schema statements a deployment applies.
// cmd/hearthd does not run them; it only checks schema_meta via CheckSchema.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);`,
	`INSERT INTO schema_meta (version) SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM schema_meta);`,
	`CREATE TABLE IF NOT EXISTS events (
		event_idx BIGSERIAL PRIMARY KEY,
		room_id TEXT NOT NULL,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		state_key TEXT,
		depth BIGINT NOT NULL,
		origin TEXT NOT NULL,
		event_json BYTEA NOT NULL,
		received_ts BIGINT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS events_room_depth_idx ON events (room_id, depth);`,
	`CREATE TABLE IF NOT EXISTS event_refs (
		event_idx BIGINT NOT NULL REFERENCES events (event_idx) ON DELETE CASCADE,
		ref_event_id TEXT NOT NULL,
		ref_kind TEXT NOT NULL CHECK (ref_kind IN ('prev', 'auth'))
	);`,
	`CREATE INDEX IF NOT EXISTS event_refs_ref_idx ON event_refs (ref_event_id);`,
	`CREATE TABLE IF NOT EXISTS room_heads (
		room_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		hint_origin TEXT NOT NULL,
		depth BIGINT NOT NULL,
		PRIMARY KEY (room_id, event_id)
	);`,
	`CREATE TABLE IF NOT EXISTS room_state (
		room_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		state_key TEXT NOT NULL,
		event_id TEXT NOT NULL,
		PRIMARY KEY (room_id, event_type, state_key)
	);`,
}
