package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

const uniqueViolation = "23505"

// ExclusionStore persists the process-wide exclusion rules.
type ExclusionStore struct {
	pool Pool
}

// NewExclusionStore creates an ExclusionStore.
func NewExclusionStore(pool Pool) *ExclusionStore {
	return &ExclusionStore{pool: pool}
}

// List returns rules, optionally filtered by kind, ordered by type then
// value for stable admin listings.
func (s *ExclusionStore) List(ctx context.Context, kind crawl.RuleKind) ([]crawl.ExclusionRule, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if kind != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, rule_type, value, reason, created_at FROM exclusion_rules
			WHERE rule_type = $1 ORDER BY rule_type, value`, kind)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, rule_type, value, reason, created_at FROM exclusion_rules
			ORDER BY rule_type, value`)
	}
	if err != nil {
		return nil, fmt.Errorf("list exclusion rules: %w", err)
	}
	defer rows.Close()

	var rules []crawl.ExclusionRule
	for rows.Next() {
		var (
			rule   crawl.ExclusionRule
			kind   string
			reason *string
		)
		if err := rows.Scan(&rule.ID, &kind, &rule.Value, &reason, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exclusion rule: %w", err)
		}
		rule.Kind = crawl.RuleKind(kind)
		if reason != nil {
			rule.Reason = *reason
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exclusion rules: %w", err)
	}
	return rules, nil
}

// Create inserts a rule. A duplicate (rule_type, value) pair returns
// crawl.ErrConflict.
func (s *ExclusionStore) Create(ctx context.Context, rule crawl.ExclusionRule) (crawl.ExclusionRule, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exclusion_rules (id, rule_type, value, reason, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		rule.ID, rule.Kind, rule.Value, rule.Reason, rule.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return crawl.ExclusionRule{}, crawl.ErrConflict
		}
		return crawl.ExclusionRule{}, fmt.Errorf("create exclusion rule: %w", err)
	}
	return rule, nil
}

// Delete removes a rule by id.
func (s *ExclusionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM exclusion_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete exclusion rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}
