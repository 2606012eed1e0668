package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertCollection(ctx context.Context, tx *sql.Tx, c domain.Collection) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO collections(id,name,created_by,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, c.CreatedBy, c.CreatedAt)
	return err
}

func (r Repo) GetCollection(ctx context.Context, id string) (domain.Collection, error) {
	var c domain.Collection
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_by,created_at FROM collections WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) AddMember(ctx context.Context, tx *sql.Tx, collectionID, actorID, role, now string) error {
	if role == "" {
		role = "member"
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO collection_members(collection_id,actor_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(collection_id,actor_id) DO UPDATE SET role=excluded.role`, collectionID, actorID, role, now)
	return err
}

func (r Repo) IsMember(ctx context.Context, collectionID, actorID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM collection_members WHERE collection_id=? AND actor_id=?`, collectionID, actorID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListMembers(ctx context.Context, collectionID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id FROM collection_members WHERE collection_id=? ORDER BY created_at, actor_id`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) UpsertInfrastructure(ctx context.Context, inf domain.Infrastructure) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO infrastructure(collection_id,sandbox_url,secret_alias,pool_id,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(collection_id) DO UPDATE SET sandbox_url=excluded.sandbox_url, secret_alias=excluded.secret_alias, pool_id=excluded.pool_id, updated_at=excluded.updated_at`,
		inf.CollectionID, nullable(inf.SandboxURL), nullable(inf.SecretAlias), nullable(inf.PoolID), inf.UpdatedAt)
	return err
}

func (r Repo) GetInfrastructure(ctx context.Context, collectionID string) (domain.Infrastructure, error) {
	var inf domain.Infrastructure
	err := r.DB.QueryRowContext(ctx, `SELECT collection_id,COALESCE(sandbox_url,''),COALESCE(secret_alias,''),COALESCE(pool_id,''),updated_at FROM infrastructure WHERE collection_id=?`, collectionID).
		Scan(&inf.CollectionID, &inf.SandboxURL, &inf.SecretAlias, &inf.PoolID, &inf.UpdatedAt)
	if err == sql.ErrNoRows {
		return inf, ErrNotFound
	}
	return inf, err
}

// UpsertAccount stores the account row as given; callers encrypt AccessToken first.
func (r Repo) UpsertAccount(ctx context.Context, a domain.Account) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(actor_id,provider,handle,access_token,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(actor_id,provider) DO UPDATE SET handle=excluded.handle, access_token=excluded.access_token, updated_at=excluded.updated_at`,
		a.ActorID, a.Provider, a.Handle, nullable(a.AccessToken), a.UpdatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, actorID, provider string) (domain.Account, error) {
	var a domain.Account
	err := r.DB.QueryRowContext(ctx, `SELECT actor_id,provider,handle,COALESCE(access_token,''),updated_at FROM accounts WHERE actor_id=? AND provider=?`, actorID, provider).
		Scan(&a.ActorID, &a.Provider, &a.Handle, &a.AccessToken, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
