package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const mergeRequestSummaryColumns = `
	SELECT mr.id, mr.status::text, u.id, u.name,
		COALESCE(p.country_code, ''), COALESCE(p.school_code, ''), COALESCE(p.class_year, 0), COALESCE(p.bio, ''),
		COALESCE(AVG(r.star), 0)::float8, g.name, mr.created_at
	FROM merge_requests mr
`

// ListSentMergeRequests returns the requests initiated by userID, each joined
// with the receiver's profile and the target group.
func (s *PostgresStore) ListSentMergeRequests(ctx context.Context, userID string) ([]MergeRequestSummary, error) {
	rows, err := s.db.QueryContext(ctx, mergeRequestSummaryColumns+`
		JOIN users u ON u.id = mr.receiver_user_id
		LEFT JOIN user_profiles p ON p.user_id = u.id
		LEFT JOIN user_ratings r ON r.user_id = u.id
		JOIN groups g ON g.id = mr.target_group_id
		WHERE mr.initiator_user_id = $1
		GROUP BY mr.id, u.id, p.user_id, g.id
		ORDER BY mr.created_at DESC, mr.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sent merge requests: %w", err)
	}
	return scanSummaries(rows)
}

// ListReceivedMergeRequests returns the requests targeting any group userID
// belongs to, joined with the initiator's profile and the source group.
func (s *PostgresStore) ListReceivedMergeRequests(ctx context.Context, userID string) ([]MergeRequestSummary, error) {
	rows, err := s.db.QueryContext(ctx, mergeRequestSummaryColumns+`
		JOIN users u ON u.id = mr.initiator_user_id
		LEFT JOIN user_profiles p ON p.user_id = u.id
		LEFT JOIN user_ratings r ON r.user_id = u.id
		JOIN groups g ON g.id = mr.source_group_id
		WHERE mr.target_group_id IN (SELECT group_id FROM group_members WHERE user_id = $1)
		GROUP BY mr.id, u.id, p.user_id, g.id
		ORDER BY mr.created_at DESC, mr.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list received merge requests: %w", err)
	}
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]MergeRequestSummary, error) {
	defer rows.Close()
	items := make([]MergeRequestSummary, 0)
	for rows.Next() {
		var item MergeRequestSummary
		var status string
		if err := rows.Scan(
			&item.MergeRequestID,
			&status,
			&item.UserID,
			&item.UserName,
			&item.Profile.CountryCode,
			&item.Profile.SchoolCode,
			&item.Profile.ClassYear,
			&item.Profile.Bio,
			&item.Rating,
			&item.GroupName,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan merge request summary: %w", err)
		}
		item.Status = Status(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge request summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email FROM users WHERE id = $1`, userID).Scan(&user.ID, &user.Name, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListUserEmails resolves e-mail addresses for the given ids. Unknown ids are
// skipped.
func (s *PostgresStore) ListUserEmails(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM users WHERE id = ANY($1) ORDER BY id`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list user emails: %w", err)
	}
	defer rows.Close()

	emails := make([]string, 0, len(userIDs))
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan user email: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user emails: %w", err)
	}
	return emails, nil
}
