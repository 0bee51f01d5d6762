package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"boilermate/api/internal/metrics"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// Tx is the transactional view over the group store, the merge request
// ledger and the approval tracker. Every method runs inside the enclosing
// serializable transaction.
type Tx interface {
	ActiveGroupOf(ctx context.Context, userID string) (Group, error)
	GetGroup(ctx context.Context, groupID int64) (Group, error)
	SnapshotMembership(ctx context.Context, groupID int64) ([]string, error)
	CountMembers(ctx context.Context, groupID int64) (int, error)
	TransferMembership(ctx context.Context, fromGroupID, toGroupID int64) (int64, error)
	Dissolve(ctx context.Context, groupID int64, at time.Time) error

	OpenMergeRequest(ctx context.Context, request MergeRequest) (int64, error)
	GetMergeRequest(ctx context.Context, id int64) (MergeRequest, error)
	LockMergeRequest(ctx context.Context, id int64) (MergeRequest, error)
	AdvanceMergeRequest(ctx context.Context, id int64, from, to Status) (bool, error)

	UpsertApproval(ctx context.Context, approval MergeApproval) error
	ListApprovals(ctx context.Context, mergeRequestID int64, side Side) ([]MergeApproval, error)
}

type PostgresStore struct {
	db         *sql.DB
	log        *zap.Logger
	maxRetries int
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger, maxRetries int) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PostgresStore{db: db, log: logger, maxRetries: maxRetries}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks roll back and re-run fn from scratch, so fn must not keep state
// across calls.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt > s.maxRetries {
			return err
		}
		metrics.TxRetries.Inc()
		s.log.Warn("retrying serializable transaction", zap.Int("attempt", attempt), zap.Error(err))

		backoff := time.Duration(attempt*10+rand.IntN(15)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx, types: pgtype.NewMap()}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

type pgTx struct {
	tx    *sql.Tx
	types *pgtype.Map
}

func (t *pgTx) ActiveGroupOf(ctx context.Context, userID string) (Group, error) {
	var group Group
	err := t.tx.QueryRowContext(ctx, `
		SELECT g.id, g.name, g.created_at, g.dissolved_at
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.user_id = $1 AND g.dissolved_at IS NULL
		ORDER BY g.created_at, g.id
		LIMIT 1
	`, userID).Scan(&group.ID, &group.Name, &group.CreatedAt, &group.DissolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("active group of user: %w", err)
	}
	return group, nil
}

func (t *pgTx) GetGroup(ctx context.Context, groupID int64) (Group, error) {
	var group Group
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, created_at, dissolved_at FROM groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.Name, &group.CreatedAt, &group.DissolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}
	return group, nil
}

func (t *pgTx) SnapshotMembership(ctx context.Context, groupID int64) ([]string, error) {
	if _, err := t.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("snapshot membership: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (t *pgTx) CountMembers(ctx context.Context, groupID int64) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_members WHERE group_id = $1`, groupID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (t *pgTx) TransferMembership(ctx context.Context, fromGroupID, toGroupID int64) (int64, error) {
	// Users already in the destination keep their existing row.
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM group_members f
		WHERE f.group_id = $1
			AND EXISTS (SELECT 1 FROM group_members d WHERE d.group_id = $2 AND d.user_id = f.user_id)
	`, fromGroupID, toGroupID); err != nil {
		return 0, fmt.Errorf("drop duplicate memberships: %w", err)
	}
	result, err := t.tx.ExecContext(ctx, `UPDATE group_members SET group_id = $2 WHERE group_id = $1`, fromGroupID, toGroupID)
	if err != nil {
		return 0, fmt.Errorf("transfer membership: %w", err)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transfer membership rows: %w", err)
	}
	return moved, nil
}

func (t *pgTx) Dissolve(ctx context.Context, groupID int64, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE groups SET dissolved_at = COALESCE(dissolved_at, $2) WHERE id = $1
	`, groupID, at)
	if err != nil {
		return fmt.Errorf("dissolve group: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("dissolve group rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) OpenMergeRequest(ctx context.Context, request MergeRequest) (int64, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM merge_requests
			WHERE LEAST(source_group_id, target_group_id) = LEAST($1::bigint, $2::bigint)
				AND GREATEST(source_group_id, target_group_id) = GREATEST($1::bigint, $2::bigint)
				AND status IN ('await_src', 'await_tgt')
		)
	`, request.SourceGroupID, request.TargetGroupID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check open merge request: %w", err)
	}
	if exists {
		return 0, ErrConflict
	}

	var id int64
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO merge_requests (
			initiator_user_id, receiver_user_id, source_group_id, target_group_id,
			status, source_snapshot, target_snapshot
		)
		VALUES ($1, $2, $3, $4, $5::text::merge_request_status, $6, $7)
		RETURNING id
	`,
		request.InitiatorUserID,
		request.ReceiverUserID,
		request.SourceGroupID,
		request.TargetGroupID,
		string(request.Status),
		request.SourceSnapshot,
		request.TargetSnapshot,
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("insert merge request: %w", err)
	}
	return id, nil
}

const selectMergeRequest = `
	SELECT id, initiator_user_id, receiver_user_id, source_group_id, target_group_id,
		status::text, source_snapshot, target_snapshot, created_at, updated_at
	FROM merge_requests
	WHERE id = $1
`

func (t *pgTx) GetMergeRequest(ctx context.Context, id int64) (MergeRequest, error) {
	return t.scanMergeRequest(t.tx.QueryRowContext(ctx, selectMergeRequest, id))
}

// LockMergeRequest reads the request with a row lock so voters on the same
// request queue behind each other instead of failing serialization.
func (t *pgTx) LockMergeRequest(ctx context.Context, id int64) (MergeRequest, error) {
	return t.scanMergeRequest(t.tx.QueryRowContext(ctx, selectMergeRequest+` FOR UPDATE`, id))
}

func (t *pgTx) scanMergeRequest(row *sql.Row) (MergeRequest, error) {
	var item MergeRequest
	var status string
	err := row.Scan(
		&item.ID,
		&item.InitiatorUserID,
		&item.ReceiverUserID,
		&item.SourceGroupID,
		&item.TargetGroupID,
		&status,
		t.types.SQLScanner(&item.SourceSnapshot),
		t.types.SQLScanner(&item.TargetSnapshot),
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return MergeRequest{}, ErrNotFound
	}
	if err != nil {
		return MergeRequest{}, fmt.Errorf("get merge request: %w", err)
	}
	item.Status = Status(status)
	return item, nil
}

func (t *pgTx) AdvanceMergeRequest(ctx context.Context, id int64, from, to Status) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE merge_requests
		SET status = $3::text::merge_request_status, updated_at = NOW()
		WHERE id = $1 AND status = $2::text::merge_request_status
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("advance merge request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance merge request rows: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) UpsertApproval(ctx context.Context, approval MergeApproval) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO merge_approvals (merge_request_id, approver_user_id, side, approved)
		VALUES ($1, $2, $3::text::merge_side, $4)
		ON CONFLICT (merge_request_id, approver_user_id)
		DO UPDATE SET side = EXCLUDED.side, approved = EXCLUDED.approved, created_at = NOW()
	`, approval.MergeRequestID, approval.ApproverUserID, string(approval.Side), approval.Approved)
	if err != nil {
		return fmt.Errorf("upsert approval: %w", err)
	}
	return nil
}

func (t *pgTx) ListApprovals(ctx context.Context, mergeRequestID int64, side Side) ([]MergeApproval, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT merge_request_id, approver_user_id, side::text, approved, created_at
		FROM merge_approvals
		WHERE merge_request_id = $1 AND side = $2::text::merge_side
		ORDER BY approver_user_id
	`, mergeRequestID, string(side))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]MergeApproval, 0)
	for rows.Next() {
		var item MergeApproval
		var itemSide string
		if err := rows.Scan(&item.MergeRequestID, &item.ApproverUserID, &itemSide, &item.Approved, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		item.Side = Side(itemSide)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}
