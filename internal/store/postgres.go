package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/autograde/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// dbtx is satisfied by both the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in a read-committed transaction; any returned error rolls back.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Grading Schemes ---

const schemeColumns = `id, name, description, version_number, is_deleted, total_points, created_at, updated_at`

func scanScheme(row pgx.Row) (*models.GradingScheme, error) {
	var g models.GradingScheme
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.VersionNumber, &g.IsDeleted,
		&g.TotalPoints, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) CreateScheme(ctx context.Context, g *models.GradingScheme) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO grading_schemes (id, name, description, version_number, is_deleted, total_points, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7)`,
			g.ID, g.Name, g.Description, g.VersionNumber, g.TotalPoints, g.CreatedAt, g.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return schemeNameTaken(g.Name)
			}
			return fmt.Errorf("create grading scheme: %w", err)
		}
		return upsertTree(ctx, tx, g)
	})
}

func (s *PostgresStore) GetScheme(ctx context.Context, id uuid.UUID) (*models.GradingScheme, error) {
	return loadScheme(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListSchemes(ctx context.Context) ([]*models.GradingScheme, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+schemeColumns+` FROM grading_schemes WHERE NOT is_deleted ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list grading schemes: %w", err)
	}
	defer rows.Close()

	var schemes []*models.GradingScheme
	for rows.Next() {
		g, err := scanScheme(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grading scheme: %w", err)
		}
		schemes = append(schemes, g)
	}
	return schemes, rows.Err()
}

func (s *PostgresStore) MutateScheme(ctx context.Context, id uuid.UUID, fn SchemeMutation) (*models.GradingScheme, error) {
	var result *models.GradingScheme
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		before, err := loadScheme(ctx, tx, id, true)
		if err != nil {
			return err
		}

		after := before.Clone()
		if err := fn(after); err != nil {
			return err
		}
		after.ID = before.ID
		after.VersionNumber = before.VersionNumber + 1
		after.UpdatedAt = time.Now().UTC()

		if err := persistTree(ctx, tx, before, after); err != nil {
			return err
		}
		result = after
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) SoftDeleteScheme(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE grading_schemes SET is_deleted = TRUE, version_number = version_number + 1, updated_at = NOW()
		 WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return fmt.Errorf("soft delete grading scheme: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// loadScheme reads a live scheme and its tree. With lock set the scheme row
// is held FOR UPDATE until the surrounding transaction ends, which
// serializes every structural mutation of that scheme.
func loadScheme(ctx context.Context, q dbtx, id uuid.UUID, lock bool) (*models.GradingScheme, error) {
	query := `SELECT ` + schemeColumns + ` FROM grading_schemes WHERE id = $1 AND NOT is_deleted`
	if lock {
		query += ` FOR UPDATE`
	}
	g, err := scanScheme(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grading scheme: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT id, scheme_id, title, display_order, max_points
		 FROM scheme_questions WHERE scheme_id = $1 ORDER BY display_order`, id)
	if err != nil {
		return nil, fmt.Errorf("list scheme questions: %w", err)
	}
	byID := make(map[uuid.UUID]*models.SchemeQuestion)
	for rows.Next() {
		var sq models.SchemeQuestion
		if err := rows.Scan(&sq.ID, &sq.SchemeID, &sq.Title, &sq.DisplayOrder, &sq.MaxPoints); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan scheme question: %w", err)
		}
		sq.Criteria = []*models.SchemeCriterion{}
		g.Questions = append(g.Questions, &sq)
		byID[sq.ID] = &sq
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scheme questions: %w", err)
	}

	rows, err = q.Query(ctx,
		`SELECT c.id, c.question_id, c.name, c.description, c.max_points, c.display_order,
		        (SELECT COUNT(*) FROM criterion_evaluations e WHERE e.criterion_id = c.id)
		 FROM scheme_criteria c
		 JOIN scheme_questions sq ON sq.id = c.question_id
		 WHERE sq.scheme_id = $1
		 ORDER BY sq.display_order, c.display_order`, id)
	if err != nil {
		return nil, fmt.Errorf("list scheme criteria: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c models.SchemeCriterion
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.Name, &c.Description, &c.MaxPoints,
			&c.DisplayOrder, &c.EvaluationCount); err != nil {
			return nil, fmt.Errorf("scan scheme criterion: %w", err)
		}
		if parent := byID[c.QuestionID]; parent != nil {
			parent.Criteria = append(parent.Criteria, &c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scheme criteria: %w", err)
	}
	if g.Questions == nil {
		g.Questions = []*models.SchemeQuestion{}
	}
	return g, nil
}

// persistTree writes after over before inside tx. Removed rows are deleted
// first; surviving rows are parked on negative display orders so the
// upserts can assign final orders without tripping sibling uniqueness.
func persistTree(ctx context.Context, tx pgx.Tx, before, after *models.GradingScheme) error {
	_, err := tx.Exec(ctx,
		`UPDATE grading_schemes SET name = $2, description = $3, version_number = $4, total_points = $5, updated_at = $6
		 WHERE id = $1`,
		after.ID, after.Name, after.Description, after.VersionNumber, after.TotalPoints, after.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return schemeNameTaken(after.Name)
		}
		return fmt.Errorf("update grading scheme: %w", err)
	}

	keepQ := make(map[uuid.UUID]bool)
	keepC := make(map[uuid.UUID]bool)
	for _, q := range after.Questions {
		keepQ[q.ID] = true
		for _, c := range q.Criteria {
			keepC[c.ID] = true
		}
	}
	var dropQ, dropC []uuid.UUID
	for _, q := range before.Questions {
		if !keepQ[q.ID] {
			dropQ = append(dropQ, q.ID)
		}
		for _, c := range q.Criteria {
			if !keepC[c.ID] {
				dropC = append(dropC, c.ID)
			}
		}
	}

	if len(dropC) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM scheme_criteria WHERE id = ANY($1)`, dropC); err != nil {
			if isForeignKeyViolation(err) {
				return ErrInUse
			}
			return fmt.Errorf("delete scheme criteria: %w", err)
		}
	}
	if len(dropQ) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM scheme_questions WHERE id = ANY($1)`, dropQ); err != nil {
			if isForeignKeyViolation(err) {
				return ErrInUse
			}
			return fmt.Errorf("delete scheme questions: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE scheme_questions SET display_order = -display_order - 1 WHERE scheme_id = $1`, after.ID); err != nil {
		return fmt.Errorf("park question order: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE scheme_criteria SET display_order = -display_order - 1
		 WHERE question_id IN (SELECT id FROM scheme_questions WHERE scheme_id = $1)`, after.ID); err != nil {
		return fmt.Errorf("park criterion order: %w", err)
	}

	return upsertTree(ctx, tx, after)
}

func upsertTree(ctx context.Context, tx pgx.Tx, g *models.GradingScheme) error {
	for _, q := range g.Questions {
		_, err := tx.Exec(ctx,
			`INSERT INTO scheme_questions (id, scheme_id, title, display_order, max_points)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
			   title = EXCLUDED.title,
			   display_order = EXCLUDED.display_order,
			   max_points = EXCLUDED.max_points`,
			q.ID, g.ID, q.Title, q.DisplayOrder, q.MaxPoints)
		if err != nil {
			return fmt.Errorf("upsert scheme question: %w", err)
		}
	}
	for _, q := range g.Questions {
		for _, c := range q.Criteria {
			_, err := tx.Exec(ctx,
				`INSERT INTO scheme_criteria (id, question_id, name, description, max_points, display_order)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO UPDATE SET
				   question_id = EXCLUDED.question_id,
				   name = EXCLUDED.name,
				   description = EXCLUDED.description,
				   max_points = EXCLUDED.max_points,
				   display_order = EXCLUDED.display_order`,
				c.ID, q.ID, c.Name, c.Description, c.MaxPoints, c.DisplayOrder)
			if err != nil {
				return fmt.Errorf("upsert scheme criterion: %w", err)
			}
		}
	}
	return nil
}

func schemeNameTaken(name string) error {
	return ErrDuplicateKey.WithDetails(map[string]any{"field": "name", "value": name})
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
