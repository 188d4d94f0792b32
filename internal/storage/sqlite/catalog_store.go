package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Entity is a container (e.g. a course) that owns reports and alerts.
type Entity struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// User is a notification recipient.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"fullname"`
	Email     string `json:"email"`
	Suspended bool   `json:"suspended"`
}

// Report is a catalog entry describing how a report's metric is computed.
type Report struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Source is "primary" or "secondary".
	Source string `json:"source"`
	// Query is the SQL for primary reports.
	Query string `json:"query,omitempty"`
	// KeyField is excluded when extracting the metric from a single row.
	KeyField string `json:"key_field,omitempty"`
}

// CatalogStore holds entities, users, role assignments and reports.
type CatalogStore struct {
	db *DB
}

// NewCatalogStore creates a new CatalogStore.
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// UpsertEntity creates or renames an entity and clears any deletion mark.
func (s *CatalogStore) UpsertEntity(ctx context.Context, e Entity) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO entities (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, deleted_at = NULL`,
		e.ID, e.Name, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// DeleteEntity marks an entity deleted.
func (s *CatalogStore) DeleteEntity(ctx context.Context, id int64) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE entities SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

// EntityExists reports whether the entity exists and is not deleted.
func (s *CatalogStore) EntityExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE id = ? AND deleted_at IS NULL`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check entity: %w", err)
	}
	return n > 0, nil
}

// GetEntity returns an entity, deleted or not.
func (s *CatalogStore) GetEntity(ctx context.Context, id int64) (*Entity, bool, error) {
	var e Entity
	var deleted sql.NullInt64
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, name, deleted_at FROM entities WHERE id = ?`, id).Scan(&e.ID, &e.Name, &deleted)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get entity: %w", err)
	}
	e.DeletedAt = timePtr(deleted)
	return &e, true, nil
}

// UpsertUser creates or updates a user.
func (s *CatalogStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, fullname, email, suspended) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			fullname = excluded.fullname,
			email = excluded.email,
			suspended = excluded.suspended`,
		u.ID, u.Username, u.FullName, u.Email, boolToInt(u.Suspended))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// AssignRole gives a user a role within an entity.
func (s *CatalogStore) AssignRole(ctx context.Context, entityID, userID int64, role string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO role_assignments (entity_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, entityID, userID, role)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// UsersWithRoles returns the IDs of users holding any of roles in an entity.
func (s *CatalogStore) UsersWithRoles(ctx context.Context, entityID int64, roles []string) ([]int64, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	args := []any{entityID}
	for _, r := range roles {
		args = append(args, r)
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT user_id FROM role_assignments
		WHERE entity_id = ? AND role IN (%s)
		ORDER BY user_id`, placeholders(len(roles)))

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Users returns active (non-suspended) users among ids.
func (s *CatalogStore) Users(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT id, username, fullname, email, suspended FROM users
		WHERE suspended = 0 AND id IN (%s)
		ORDER BY id`, placeholders(len(ids)))

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var suspended int
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &suspended); err != nil {
			return nil, err
		}
		u.Suspended = suspended == 1
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertReport creates or updates a report catalog entry.
func (s *CatalogStore) UpsertReport(ctx context.Context, r Report) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO reports (id, name, source, query, key_field, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			query = excluded.query,
			key_field = excluded.key_field,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Source, r.Query, r.KeyField, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport returns a report by ID.
func (s *CatalogStore) GetReport(ctx context.Context, id string) (*Report, bool, error) {
	var r Report
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, name, source, query, key_field FROM reports WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Source, &r.Query, &r.KeyField)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get report: %w", err)
	}
	return &r, true, nil
}

// ReportName returns the display name of a report, or the ID if unknown.
func (s *CatalogStore) ReportName(ctx context.Context, id string) string {
	r, ok, err := s.GetReport(ctx, id)
	if err != nil || !ok || r.Name == "" {
		return id
	}
	return r.Name
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
