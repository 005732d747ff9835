package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/nucleus/correlate/internal/corrections"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so txStore's methods
// work identically whether or not they run inside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txStore struct {
	q querier
}

func marshalContext(list corrections.ContextList) ([]byte, error) {
	if list == nil {
		list = corrections.ContextList{}
	}
	return json.Marshal(list)
}

func unmarshalContext(data []byte) (corrections.ContextList, error) {
	var list corrections.ContextList
	if len(data) == 0 {
		return corrections.ContextList{}, nil
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the race this store's callers retry against.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

func (s *txStore) GetScope(ctx context.Context, id int64) (*corrections.Scope, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, description, created_at, updated_at FROM scopes WHERE id = $1
	`, id)
	var scope corrections.Scope
	err := row.Scan(&scope.ID, &scope.Description, &scope.CreatedAt, &scope.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}
	return &scope, nil
}

func (s *txStore) GetOrCreateSentinelScope(ctx context.Context) (*corrections.Scope, error) {
	if scope, err := s.GetScope(ctx, 1); err != nil {
		return nil, err
	} else if scope != nil {
		return scope, nil
	}

	var scope corrections.Scope
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO scopes (id, description) VALUES (1, 'default')
		ON CONFLICT (id) DO UPDATE SET description = scopes.description
		RETURNING id, description, created_at, updated_at
	`).Scan(&scope.ID, &scope.Description, &scope.CreatedAt, &scope.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentinel scope: %w", err)
	}
	return &scope, nil
}

func (s *txStore) TouchScope(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `UPDATE scopes SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch scope: %w", err)
	}
	return nil
}

func (s *txStore) FindOccurrencesByValue(ctx context.Context, scopeID int64, value string) ([]*corrections.Occurrence, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, scope_id, value, context, score, approved, manual, resolved_to, created_at, updated_at
		FROM occurrences
		WHERE scope_id = $1 AND value = $2
		ORDER BY created_at ASC
	`, scopeID, value)
	if err != nil {
		return nil, fmt.Errorf("failed to find occurrences: %w", err)
	}
	defer rows.Close()

	var out []*corrections.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *txStore) GetOccurrence(ctx context.Context, id string) (*corrections.Occurrence, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, scope_id, value, context, score, approved, manual, resolved_to, created_at, updated_at
		FROM occurrences WHERE id = $1
	`, id)
	o, err := scanOccurrence(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *txStore) CreateOccurrence(ctx context.Context, o *corrections.Occurrence) error {
	ctxBytes, err := marshalContext(o.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal occurrence context: %w", err)
	}
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO occurrences (id, scope_id, value, context, score, approved, manual)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, o.ID, o.ScopeID, o.Value, ctxBytes, o.Score, o.Approved, o.Manual)
	if err := row.Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return corrections.NewError("sqlstore", corrections.KindUniquenessConflict, err)
		}
		return fmt.Errorf("failed to create occurrence: %w", err)
	}
	return nil
}

func (s *txStore) RefreshOccurrenceCache(ctx context.Context, occurrenceID string, resolvedTo *string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE occurrences SET resolved_to = $2, updated_at = NOW() WHERE id = $1
	`, occurrenceID, resolvedTo)
	if err != nil {
		return fmt.Errorf("failed to refresh occurrence cache: %w", err)
	}
	return nil
}

func (s *txStore) GetCanonicalByExternalID(ctx context.Context, scopeID int64, externalID string) (*corrections.CanonicalEntity, error) {
	row := s.q.QueryRowContext(ctx, canonicalSelect+`WHERE scope_id = $1 AND external_id = $2`, scopeID, externalID)
	c, err := scanCanonical(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *txStore) FindCanonicalByValue(ctx context.Context, scopeID int64, value string) ([]*corrections.CanonicalEntity, error) {
	rows, err := s.q.QueryContext(ctx, canonicalSelect+`WHERE scope_id = $1 AND value = $2`, scopeID, value)
	if err != nil {
		return nil, fmt.Errorf("failed to find canonical entities: %w", err)
	}
	defer rows.Close()

	var out []*corrections.CanonicalEntity
	for rows.Next() {
		c, err := scanCanonical(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *txStore) CreateCanonical(ctx context.Context, c *corrections.CanonicalEntity) error {
	requiredBytes, err := marshalContext(c.RequiredContextElements)
	if err != nil {
		return fmt.Errorf("failed to marshal required context: %w", err)
	}
	ctxBytes, err := marshalContext(c.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO correct_objects
			(id, scope_id, value, external_id, required_context_elements, context, name, description, score, approved, manual)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, c.ID, c.ScopeID, c.Value, c.ExternalID, requiredBytes, ctxBytes, c.Name, c.Description, c.Score, c.Approved, c.Manual)
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return corrections.NewError("sqlstore", corrections.KindUniquenessConflict, err)
		}
		return fmt.Errorf("failed to create canonical entity: %w", err)
	}
	return nil
}

func (s *txStore) ListCanonicalInScope(ctx context.Context, scopeID int64) ([]*corrections.CanonicalEntity, error) {
	rows, err := s.q.QueryContext(ctx, canonicalSelect+`WHERE scope_id = $1 ORDER BY created_at ASC`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical entities: %w", err)
	}
	defer rows.Close()

	var out []*corrections.CanonicalEntity
	for rows.Next() {
		c, err := scanCanonical(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *txStore) GetCanonical(ctx context.Context, id string) (*corrections.CanonicalEntity, error) {
	row := s.q.QueryRowContext(ctx, canonicalSelect+`WHERE id = $1`, id)
	c, err := scanCanonical(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *txStore) GetResolution(ctx context.Context, id int64) (*corrections.Resolution, error) {
	row := s.q.QueryRowContext(ctx, resolutionSelect+`WHERE id = $1`, id)
	r, err := scanResolution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *txStore) FindResolution(ctx context.Context, occurrenceID, canonicalID string) (*corrections.Resolution, error) {
	row := s.q.QueryRowContext(ctx, resolutionSelect+`WHERE occurrence_id = $1 AND canonical_id = $2`, occurrenceID, canonicalID)
	r, err := scanResolution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *txStore) UpsertPendingResolution(ctx context.Context, occurrenceID, canonicalID string, scopeID int64, score float64) (*corrections.Resolution, error) {
	if existing, err := s.FindResolution(ctx, occurrenceID, canonicalID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO resolutions (scope_id, occurrence_id, canonical_id, status, score, manual)
		VALUES ($1, $2, $3, 0, $4, FALSE)
		ON CONFLICT (occurrence_id, canonical_id) DO UPDATE SET occurrence_id = EXCLUDED.occurrence_id
		RETURNING id, scope_id, occurrence_id, canonical_id, status, score, manual, created_at, updated_at
	`, scopeID, occurrenceID, canonicalID, score)
	r, err := scanResolution(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pending resolution: %w", err)
	}
	return r, nil
}

func (s *txStore) SetResolutionStatus(ctx context.Context, resolutionID int64, status corrections.ResolutionStatus, manual bool) (*corrections.Resolution, error) {
	row := s.q.QueryRowContext(ctx, `
		UPDATE resolutions SET status = $2, manual = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id, scope_id, occurrence_id, canonical_id, status, score, manual, created_at, updated_at
	`, resolutionID, int(status), manual)
	r, err := scanResolution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, corrections.NewError("sqlstore", corrections.KindApprovedInvariantViolation, err)
		}
		return nil, fmt.Errorf("failed to set resolution status: %w", err)
	}
	return r, nil
}

func (s *txStore) DeleteResolution(ctx context.Context, resolutionID int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM resolutions WHERE id = $1`, resolutionID)
	if err != nil {
		return fmt.Errorf("failed to delete resolution: %w", err)
	}
	return nil
}

func (s *txStore) ResolutionsForOccurrence(ctx context.Context, occurrenceID string) ([]*corrections.Resolution, error) {
	rows, err := s.q.QueryContext(ctx, resolutionSelect+`WHERE occurrence_id = $1`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	defer rows.Close()

	var out []*corrections.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *txStore) InvalidateScope(ctx context.Context, scopeID int64) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE scopes SET updated_at = NOW() WHERE id = $1`, scopeID); err != nil {
		return fmt.Errorf("failed to invalidate scope: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `UPDATE occurrences SET updated_at = NOW() WHERE scope_id = $1`, scopeID); err != nil {
		return fmt.Errorf("failed to invalidate scope occurrences: %w", err)
	}
	return nil
}

func (s *txStore) OccurrencesInScope(ctx context.Context, scopeID int64, search string, limit, offset int) ([]*corrections.Occurrence, error) {
	query := `
		SELECT id, scope_id, value, context, score, approved, manual, resolved_to, created_at, updated_at
		FROM occurrences WHERE scope_id = $1
	`
	args := []any{scopeID}
	argIdx := 2
	if search != "" {
		query += fmt.Sprintf(" AND value ILIKE $%d", argIdx)
		args = append(args, "%"+search+"%")
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences in scope: %w", err)
	}
	defer rows.Close()

	var out []*corrections.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *txStore) ResolutionsForOccurrenceOrdered(ctx context.Context, occurrenceID string) ([]*corrections.Resolution, error) {
	rows, err := s.q.QueryContext(ctx, resolutionSelect+`WHERE occurrence_id = $1 ORDER BY score DESC, created_at DESC`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ordered resolutions: %w", err)
	}
	defer rows.Close()

	var out []*corrections.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *txStore) ConflictingOccurrences(ctx context.Context, scopeID int64) ([]*corrections.Occurrence, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT o.id, o.scope_id, o.value, o.context, o.score, o.approved, o.manual, o.resolved_to, o.created_at, o.updated_at
		FROM occurrences o
		WHERE o.scope_id = $1
		AND (SELECT COUNT(*) FROM resolutions r WHERE r.occurrence_id = o.id AND r.status = 0) >= 2
		AND NOT EXISTS (SELECT 1 FROM resolutions r WHERE r.occurrence_id = o.id AND r.status = 1)
	`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicting occurrences: %w", err)
	}
	defer rows.Close()

	var out []*corrections.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *txStore) ResolutionsInScope(ctx context.Context, scopeID *int64, statuses []corrections.ResolutionStatus, searchOccurrence, searchCorrect string, conflictsOnly bool, sortBy string, page, pageSize int) ([]*corrections.Resolution, int, error) {
	base := `
		FROM resolutions r
		JOIN occurrences o ON o.id = r.occurrence_id
		JOIN correct_objects c ON c.id = r.canonical_id
		WHERE 1 = 1
	`
	var args []any
	argIdx := 1
	if scopeID != nil {
		base += fmt.Sprintf(" AND r.scope_id = $%d", argIdx)
		args = append(args, *scopeID)
		argIdx++
	}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, int(st))
			argIdx++
		}
		base += fmt.Sprintf(" AND r.status IN (%s)", strings.Join(placeholders, ", "))
	}
	if searchOccurrence != "" {
		base += fmt.Sprintf(" AND o.value ILIKE $%d", argIdx)
		args = append(args, "%"+searchOccurrence+"%")
		argIdx++
	}
	if searchCorrect != "" {
		base += fmt.Sprintf(" AND c.value ILIKE $%d", argIdx)
		args = append(args, "%"+searchCorrect+"%")
		argIdx++
	}
	if conflictsOnly {
		base += ` AND (SELECT COUNT(*) FROM resolutions r2 WHERE r2.occurrence_id = r.occurrence_id AND r2.status = 0) >= 2
		           AND NOT EXISTS (SELECT 1 FROM resolutions r3 WHERE r3.occurrence_id = r.occurrence_id AND r3.status = 1)`
	}

	var total int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) "+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count resolutions in scope: %w", err)
	}

	query := `SELECT r.id, r.scope_id, r.occurrence_id, r.canonical_id, r.status, r.score, r.manual, r.created_at, r.updated_at ` + base
	switch sortBy {
	case "created_at":
		query += " ORDER BY r.created_at DESC"
	case "updated_at":
		query += " ORDER BY r.updated_at DESC"
	default:
		query += " ORDER BY r.score DESC, r.created_at DESC"
	}

	if pageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, pageSize, page*pageSize)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list resolutions in scope: %w", err)
	}
	defer rows.Close()

	var out []*corrections.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

const canonicalSelect = `
	SELECT id, scope_id, value, external_id, required_context_elements, context, name, description, score, approved, manual, created_at, updated_at
	FROM correct_objects
`

const resolutionSelect = `
	SELECT id, scope_id, occurrence_id, canonical_id, status, score, manual, created_at, updated_at
	FROM resolutions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(row rowScanner) (*corrections.Occurrence, error) {
	var o corrections.Occurrence
	var ctxBytes []byte
	var resolvedTo sql.NullString
	err := row.Scan(&o.ID, &o.ScopeID, &o.Value, &ctxBytes, &o.Score, &o.Approved, &o.Manual, &resolvedTo, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ctxList, err := unmarshalContext(ctxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal occurrence context: %w", err)
	}
	o.Context = ctxList
	if resolvedTo.Valid {
		v := resolvedTo.String
		o.ResolvedTo = &v
	}
	return &o, nil
}

func scanCanonical(row rowScanner) (*corrections.CanonicalEntity, error) {
	var c corrections.CanonicalEntity
	var requiredBytes, ctxBytes []byte
	var externalID sql.NullString
	err := row.Scan(&c.ID, &c.ScopeID, &c.Value, &externalID, &requiredBytes, &ctxBytes, &c.Name, &c.Description, &c.Score, &c.Approved, &c.Manual, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	required, err := unmarshalContext(requiredBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal required context: %w", err)
	}
	ctxList, err := unmarshalContext(ctxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	c.RequiredContextElements = required
	c.Context = ctxList
	if externalID.Valid {
		v := externalID.String
		c.ExternalID = &v
	}
	return &c, nil
}

func scanResolution(row rowScanner) (*corrections.Resolution, error) {
	var r corrections.Resolution
	var status int
	err := row.Scan(&r.ID, &r.ScopeID, &r.OccurrenceID, &r.CanonicalID, &status, &r.Score, &r.Manual, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = corrections.ResolutionStatus(status)
	return &r, nil
}
