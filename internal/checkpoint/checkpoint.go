// Package checkpoint implements the Stage Checkpointer (§4.8): a durable,
// append-only-by-replace ledger of opaque per-(job_id, stage) state,
// backed by Postgres. The transcribing→merging boundary is the known
// fragile one, so it gets dedicated helpers and the three required debug
// log lines.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/metrics"
	"github.com/mediascribe/coreplane/internal/models"
)

// Store is the Postgres-backed checkpoint ledger.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// New wraps a database handle for checkpoint persistence.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: circuitbreaker.NewDatabaseWrapper(db, logger), logger: logger}
}

// TranscriptSegment is one segment's transcribing-stage output, keyed by
// segment index in the checkpoint map.
type TranscriptSegment struct {
	Idx   int           `json:"idx"`
	Words []models.Word `json:"words"`
}

// Save durably writes opaque state for (jobID, stage), replacing whatever
// was previously checkpointed for that stage. The write MUST be durable
// before the stage is marked complete by the caller.
func (s *Store) Save(ctx context.Context, jobID string, stage models.Stage, state interface{}) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal checkpoint state", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, stage, state_json, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (job_id, stage) DO UPDATE
		SET state_json = EXCLUDED.state_json, updated_at = now()`,
		jobID, string(stage), encoded)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "save checkpoint", err)
	}
	metrics.CheckpointWrites.WithLabelValues(string(stage)).Inc()
	return nil
}

// Load returns the opaque state last saved for (jobID, stage), or
// (nil, false, nil) if no checkpoint exists.
func (s *Store) Load(ctx context.Context, jobID string, stage models.Stage) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_json FROM checkpoints WHERE job_id = $1 AND stage = $2`,
		jobID, string(stage))

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			metrics.RecordCheckpointRead(string(stage), false)
			return nil, false, nil
		}
		return nil, false, coreerr.Wrap(coreerr.Internal, "load checkpoint", err)
	}
	metrics.RecordCheckpointRead(string(stage), true)
	return raw, true, nil
}

// DeleteForJob removes every checkpoint belonging to a job, tied to the
// job's own deletion.
func (s *Store) DeleteForJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = $1`, jobID)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete checkpoints", err)
	}
	return nil
}

// DeleteStage removes a single (jobID, stage) checkpoint, used by
// retry-from-stage to discard a stage's state so it is re-run.
func (s *Store) DeleteStage(ctx context.Context, jobID string, stage models.Stage) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = $1 AND stage = $2`, jobID, string(stage))
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "delete checkpoint stage", err)
	}
	return nil
}

// SaveTranscribing writes the incremental per-segment transcribing
// checkpoint, durable after each segment completes, logging the two
// required lines around the fragile transcribing→merging boundary.
func (s *Store) SaveTranscribing(ctx context.Context, jobID string, results map[int]TranscriptSegment) error {
	s.logger.Debug("saving checkpoint with N transcripts", zap.String("job_id", jobID), zap.Int("n", len(results)))

	if err := s.Save(ctx, jobID, models.StageTranscribing, results); err != nil {
		return err
	}

	s.logger.Debug("checkpoint verified", zap.String("job_id", jobID), zap.String("stage", string(models.StageTranscribing)))
	return nil
}

// LoadTranscribing reads back the transcribing checkpoint for the merging
// stage to consume, logging the keys present.
func (s *Store) LoadTranscribing(ctx context.Context, jobID string) (map[int]TranscriptSegment, bool, error) {
	raw, ok, err := s.Load(ctx, jobID, models.StageTranscribing)
	if err != nil || !ok {
		return nil, ok, err
	}

	var results map[int]TranscriptSegment
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, coreerr.Wrap(coreerr.Internal, "decode transcribing checkpoint", err)
	}

	keys := make([]int, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	s.logger.Debug("found checkpoint with keys", zap.String("job_id", jobID), zap.Ints("keys", keys))

	return results, true, nil
}
