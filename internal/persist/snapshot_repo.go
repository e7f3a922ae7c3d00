package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// ErrNoSnapshot is returned by LoadLatest on an empty table.
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotRepo stores world snapshots as JSONB.
type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Save writes s in one transaction and returns the new snapshot id.
func (r *SnapshotRepo) Save(ctx context.Context, s Snapshot) (int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot begin: %w", err)
	}
	defer tx.Rollback(ctx)

	resources := s.Resources
	if resources == nil {
		resources = map[string]any{}
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO snapshots (frame, resources) VALUES ($1, $2) RETURNING id`,
		int64(s.Frame), resources,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("snapshot insert: %w", err)
	}

	batch := &pgx.Batch{}
	for entity, comps := range s.Entities {
		batch.Queue(
			`INSERT INTO snapshot_entities (snapshot_id, entity, components) VALUES ($1, $2, $3)`,
			id, int64(entity), comps,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("snapshot entities: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("snapshot commit: %w", err)
	}
	r.db.log.Debug("snapshot saved",
		zap.Int64("id", id),
		zap.Uint64("frame", s.Frame),
		zap.Int("entities", len(s.Entities)),
	)
	return id, nil
}

// LoadLatest reads the most recent snapshot.
func (r *SnapshotRepo) LoadLatest(ctx context.Context) (Snapshot, error) {
	var (
		id    int64
		frame int64
		s     Snapshot
	)
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, frame, resources FROM snapshots ORDER BY frame DESC, id DESC LIMIT 1`,
	).Scan(&id, &frame, &s.Resources)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot load: %w", err)
	}
	s.Frame = uint64(frame)

	rows, err := r.db.Pool.Query(ctx,
		`SELECT entity, components FROM snapshot_entities WHERE snapshot_id = $1`, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot entities: %w", err)
	}
	defer rows.Close()

	s.Entities = make(map[ecs.EntityID]map[string]any)
	for rows.Next() {
		var (
			entity int64
			comps  map[string]any
		)
		if err := rows.Scan(&entity, &comps); err != nil {
			return Snapshot{}, err
		}
		s.Entities[ecs.EntityID(entity)] = comps
	}
	return s, rows.Err()
}

// Prune deletes all but the newest keep snapshots.
func (r *SnapshotRepo) Prune(ctx context.Context, keep int) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM snapshots WHERE id NOT IN (
		     SELECT id FROM snapshots ORDER BY frame DESC, id DESC LIMIT $1)`, keep)
	if err != nil {
		return 0, fmt.Errorf("snapshot prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
