package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("BOILERMATE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("BOILERMATE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db, nil, 5), ctx
}

// seedGroup creates a group holding the given users and returns its id.
func seedGroup(t *testing.T, ctx context.Context, s *PostgresStore, name string, userIDs ...string) int64 {
	t.Helper()
	var groupID int64
	if err := s.db.QueryRowContext(ctx, `INSERT INTO groups (name) VALUES ($1) RETURNING id`, name).Scan(&groupID); err != nil {
		t.Fatalf("insert group: %v", err)
	}
	for _, userID := range userIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, name, email) VALUES ($1, $1, $1 || '@example.test')
			ON CONFLICT (id) DO NOTHING
		`, userID); err != nil {
			t.Fatalf("insert user: %v", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO group_members (user_id, group_id) VALUES ($1, $2)`, userID, groupID); err != nil {
			t.Fatalf("insert member: %v", err)
		}
	}
	return groupID
}

func openRequest(t *testing.T, ctx context.Context, s *PostgresStore, src, tgt int64) int64 {
	t.Helper()
	var id int64
	err := s.InTx(ctx, func(tx Tx) error {
		srcSnapshot, err := tx.SnapshotMembership(ctx, src)
		if err != nil {
			return err
		}
		tgtSnapshot, err := tx.SnapshotMembership(ctx, tgt)
		if err != nil {
			return err
		}
		id, err = tx.OpenMergeRequest(ctx, MergeRequest{
			InitiatorUserID: srcSnapshot[0],
			ReceiverUserID:  tgtSnapshot[0],
			SourceGroupID:   src,
			TargetGroupID:   tgt,
			Status:          StatusAwaitSource,
			SourceSnapshot:  srcSnapshot,
			TargetSnapshot:  tgtSnapshot,
		})
		return err
	})
	if err != nil {
		t.Fatalf("open merge request: %v", err)
	}
	return id
}

func TestOpenMergeRequestRejectsOpenPairInEitherDirection(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	g1 := seedGroup(t, ctx, s, "one", "alice")
	g2 := seedGroup(t, ctx, s, "two", "bob", "carol")
	openRequest(t, ctx, s, g1, g2)

	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.OpenMergeRequest(ctx, MergeRequest{
			InitiatorUserID: "bob",
			ReceiverUserID:  "alice",
			SourceGroupID:   g2,
			TargetGroupID:   g1,
			Status:          StatusAwaitTarget,
			SourceSnapshot:  []string{"bob", "carol"},
			TargetSnapshot:  []string{"alice"},
		})
		return err
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	g1 := seedGroup(t, ctx, s, "one", "alice")
	g2 := seedGroup(t, ctx, s, "two", "bob", "carol")
	id := openRequest(t, ctx, s, g1, g2)

	_, err := s.db.ExecContext(ctx, `UPDATE merge_requests SET source_snapshot = ARRAY['mallory'] WHERE id = $1`, id)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "55000" {
		t.Fatalf("expected snapshot update to be blocked, got %v", err)
	}

	// Membership churn does not leak into the stored snapshot.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE user_id = 'carol'`); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	err = s.InTx(ctx, func(tx Tx) error {
		request, err := tx.GetMergeRequest(ctx, id)
		if err != nil {
			return err
		}
		if strings.Join(request.TargetSnapshot, ",") != "bob,carol" {
			t.Errorf("target snapshot changed: %v", request.TargetSnapshot)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read merge request: %v", err)
	}
}

func TestAdvanceMergeRequestIsCompareAndSwap(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	g1 := seedGroup(t, ctx, s, "one", "alice")
	g2 := seedGroup(t, ctx, s, "two", "bob")
	id := openRequest(t, ctx, s, g1, g2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				advanced, err := tx.AdvanceMergeRequest(ctx, id, StatusAwaitSource, StatusAwaitTarget)
				if err != nil {
					return err
				}
				if advanced {
					mu.Lock()
					winners++
					mu.Unlock()
				}
				return nil
			})
			if err != nil {
				t.Errorf("advance: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one successful advance, got %d", winners)
	}
}

func TestTransferMembershipAndDissolve(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	g1 := seedGroup(t, ctx, s, "one", "alice", "dave")
	g2 := seedGroup(t, ctx, s, "two", "bob", "dave")

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.TransferMembership(ctx, g1, g2); err != nil {
			return err
		}
		at := time.Now()
		if err := tx.Dissolve(ctx, g1, at); err != nil {
			return err
		}
		return tx.Dissolve(ctx, g1, at.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("transfer and dissolve: %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		members, err := tx.SnapshotMembership(ctx, g2)
		if err != nil {
			return err
		}
		if strings.Join(members, ",") != "alice,bob,dave" {
			t.Errorf("unexpected members after transfer: %v", members)
		}
		group, err := tx.GetGroup(ctx, g1)
		if err != nil {
			return err
		}
		if group.Active() {
			t.Errorf("expected absorbed group to be dissolved")
		}
		if _, err := tx.ActiveGroupOf(ctx, "alice"); err != nil {
			t.Errorf("expected alice to have an active group: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSnapshotMembershipUnknownGroup(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.SnapshotMembership(ctx, 999999)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerRowsBlockUserAndRequestDeletion(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	g1 := seedGroup(t, ctx, s, "one", "alice")
	g2 := seedGroup(t, ctx, s, "two", "bob", "carol")
	id := openRequest(t, ctx, s, g1, g2)

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpsertApproval(ctx, MergeApproval{
			MergeRequestID: id,
			ApproverUserID: "carol",
			Side:           SideTarget,
			Approved:       true,
		})
	})
	if err != nil {
		t.Fatalf("upsert approval: %v", err)
	}

	for _, query := range []string{
		`DELETE FROM users WHERE id = 'alice'`,
		`DELETE FROM users WHERE id = 'bob'`,
		`DELETE FROM users WHERE id = 'carol'`,
		`DELETE FROM merge_requests`,
	} {
		_, err := s.db.ExecContext(ctx, query)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
			t.Fatalf("%s: expected foreign key violation, got %v", query, err)
		}
	}

	var requests, approvals int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_requests`).Scan(&requests); err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_approvals`).Scan(&approvals); err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if requests != 1 || approvals != 1 {
		t.Fatalf("expected ledger rows to survive, got %d requests and %d approvals", requests, approvals)
	}
}
