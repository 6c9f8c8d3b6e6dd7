package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/flowcore/internal/service"
)

// ─── Credential CRUD ───

type credentialRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Provider     string    `db:"provider"`
	Integration  string    `db:"integration"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	Scopes       string    `db:"scopes"`
	ExpiresAt    time.Time `db:"expires_at"`
	Version      int       `db:"version"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

var credentialColumns = []any{
	"id", "user_id", "provider", "integration",
	"access_token", "refresh_token", "scopes", "expires_at",
	"version", "created_at", "updated_at",
}

func credentialRowToRecord(row credentialRow) *service.Credential {
	return &service.Credential{
		ID:           row.ID,
		UserID:       row.UserID,
		Provider:     row.Provider,
		Integration:  row.Integration,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Scopes:       row.Scopes,
		ExpiresAt:    row.ExpiresAt.Format(time.RFC3339),
		Version:      row.Version,
		CreatedAt:    row.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    row.UpdatedAt.Format(time.RFC3339),
	}
}

func scanCredentialRow(scanner interface{ Scan(...any) error }) (*credentialRow, error) {
	var row credentialRow
	err := scanner.Scan(
		&row.ID, &row.UserID, &row.Provider, &row.Integration,
		&row.AccessToken, &row.RefreshToken, &row.Scopes, &row.ExpiresAt,
		&row.Version, &row.CreatedAt, &row.UpdatedAt,
	)
	return &row, err
}

func (p *Postgres) GetCredential(ctx context.Context, userID, provider, integration string) (*service.Credential, error) {
	query, _, err := p.goqu.From(p.tableCredentials).
		Select(credentialColumns...).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider").Eq(provider),
			goqu.I("integration").Eq(integration),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get credential query: %w", err)
	}

	row, err := scanCredentialRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s/%s/%s: %w", userID, provider, integration, err)
	}

	return credentialRowToRecord(*row), nil
}

func (p *Postgres) ListCredentials(ctx context.Context, userID string) ([]service.Credential, error) {
	query, _, err := p.goqu.From(p.tableCredentials).
		Select(credentialColumns...).
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("provider").Asc(), goqu.I("integration").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var result []service.Credential
	for rows.Next() {
		row, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		result = append(result, *credentialRowToRecord(*row))
	}

	return result, rows.Err()
}

// UpsertCredential inserts a new credential or replaces an existing one for
// the same (user, provider, integration), bumping Version.
func (p *Postgres) UpsertCredential(ctx context.Context, cred service.Credential) (*service.Credential, error) {
	expiresAt, _ := time.Parse(time.RFC3339, cred.ExpiresAt)
	now := time.Now().UTC()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := p.getCredentialForUpdate(ctx, tx, cred.UserID, cred.Provider, cred.Integration)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	version := 1
	createdAt := now
	if existing != nil {
		id = existing.ID
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	}

	record := goqu.Record{
		"id":            id,
		"user_id":       cred.UserID,
		"provider":      cred.Provider,
		"integration":   cred.Integration,
		"access_token":  cred.AccessToken,
		"refresh_token": cred.RefreshToken,
		"scopes":        cred.Scopes,
		"expires_at":    expiresAt,
		"version":       version,
		"created_at":    createdAt,
		"updated_at":    now,
	}

	var query string
	if existing != nil {
		query, _, err = p.goqu.Update(p.tableCredentials).Set(record).
			Where(goqu.I("id").Eq(id)).ToSQL()
	} else {
		query, _, err = p.goqu.Insert(p.tableCredentials).Rows(record).ToSQL()
	}
	if err != nil {
		return nil, fmt.Errorf("build upsert credential query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("upsert credential %s/%s: %w", cred.UserID, cred.Provider, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &service.Credential{
		ID: id, UserID: cred.UserID, Provider: cred.Provider, Integration: cred.Integration,
		AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken, Scopes: cred.Scopes,
		ExpiresAt: expiresAt.Format(time.RFC3339), Version: version,
		CreatedAt: createdAt.Format(time.RFC3339), UpdatedAt: now.Format(time.RFC3339),
	}, nil
}

// RefreshCredential acquires SELECT ... FOR UPDATE on the single row keyed
// by (user, provider, integration) before calling refresh, the same
// exclusive-row-lock shape RotateEncryptionKey uses across all provider
// rows, narrowed here to one row so concurrent refreshers for *other*
// credentials are never blocked.
func (p *Postgres) RefreshCredential(ctx context.Context, userID, provider, integration string, refresh func(service.Credential) (service.Credential, error)) (*service.Credential, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := p.getCredentialForUpdate(ctx, tx, userID, provider, integration)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("credential not found for provider %q", provider)
	}

	refreshed, err := refresh(*credentialRowToRecord(*current))
	if err != nil {
		return nil, err
	}

	expiresAt, _ := time.Parse(time.RFC3339, refreshed.ExpiresAt)
	now := time.Now().UTC()
	version := current.Version + 1

	query, _, err := p.goqu.Update(p.tableCredentials).Set(
		goqu.Record{
			"access_token":  refreshed.AccessToken,
			"refresh_token": refreshed.RefreshToken,
			"expires_at":    expiresAt,
			"version":       version,
			"updated_at":    now,
		},
	).Where(goqu.I("id").Eq(current.ID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build refresh credential query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("refresh credential %s/%s: %w", userID, provider, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	out := credentialRowToRecord(*current)
	out.AccessToken = refreshed.AccessToken
	out.RefreshToken = refreshed.RefreshToken
	out.ExpiresAt = expiresAt.Format(time.RFC3339)
	out.Version = version
	out.UpdatedAt = now.Format(time.RFC3339)
	return out, nil
}

func (p *Postgres) DeleteCredential(ctx context.Context, userID, provider, integration string) error {
	query, _, err := p.goqu.Delete(p.tableCredentials).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider").Eq(provider),
			goqu.I("integration").Eq(integration),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", userID, provider, err)
	}

	return nil
}

func (p *Postgres) getCredentialForUpdate(ctx context.Context, tx *sql.Tx, userID, provider, integration string) (*credentialRow, error) {
	query, _, err := p.goqu.From(p.tableCredentials).
		Select(credentialColumns...).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider").Eq(provider),
			goqu.I("integration").Eq(integration),
		).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select-for-update credential query: %w", err)
	}

	row, err := scanCredentialRow(tx.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select-for-update credential %s/%s: %w", userID, provider, err)
	}
	return row, nil
}

// ─── OAuth2 State CRUD ───

type oauthStateRow struct {
	State       string    `db:"state"`
	UserID      string    `db:"user_id"`
	Provider    string    `db:"provider"`
	Integration string    `db:"integration"`
	RedirectURI string    `db:"redirect_uri"`
	ExpiresAt   time.Time `db:"expires_at"`
}

func (p *Postgres) PutState(ctx context.Context, s service.OAuth2State) error {
	expiresAt, _ := time.Parse(time.RFC3339, s.ExpiresAt)

	query, _, err := p.goqu.Insert(p.tableOAuthStates).Rows(
		goqu.Record{
			"state":        s.State,
			"user_id":      s.UserID,
			"provider":     s.Provider,
			"integration":  s.Integration,
			"redirect_uri": s.RedirectURI,
			"expires_at":   expiresAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build put oauth state query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("put oauth state: %w", err)
	}
	return nil
}

// ConsumeState deletes the state row within a transaction and returns it
// only if found and unexpired, implementing the spec's read-and-delete
// single-use guarantee.
func (p *Postgres) ConsumeState(ctx context.Context, state string) (*service.OAuth2State, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableOAuthStates).
		Select("state", "user_id", "provider", "integration", "redirect_uri", "expires_at").
		Where(goqu.I("state").Eq(state)).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select oauth state query: %w", err)
	}

	var row oauthStateRow
	err = tx.QueryRowContext(ctx, selectQuery).Scan(
		&row.State, &row.UserID, &row.Provider, &row.Integration, &row.RedirectURI, &row.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth state %q: %w", state, err)
	}

	deleteQuery, _, err := p.goqu.Delete(p.tableOAuthStates).
		Where(goqu.I("state").Eq(state)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build delete oauth state query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return nil, fmt.Errorf("delete oauth state %q: %w", state, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	if time.Now().After(row.ExpiresAt) {
		return nil, nil
	}

	return &service.OAuth2State{
		State: row.State, UserID: row.UserID, Provider: row.Provider,
		Integration: row.Integration, RedirectURI: row.RedirectURI,
		ExpiresAt: row.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (p *Postgres) SweepExpiredStates(ctx context.Context) (int, error) {
	query, _, err := p.goqu.Delete(p.tableOAuthStates).
		Where(goqu.I("expires_at").Lt(time.Now().UTC())).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build sweep oauth states query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sweep oauth states: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}
