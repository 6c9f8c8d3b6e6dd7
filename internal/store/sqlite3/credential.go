package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/flowcore/internal/service"
)

// ─── Credential CRUD ───

var credentialColumns = []any{
	"id", "user_id", "provider", "integration",
	"access_token", "refresh_token", "scopes", "expires_at",
	"version", "created_at", "updated_at",
}

func scanCredentialRow(scanner interface{ Scan(...any) error }) (*service.Credential, error) {
	var c service.Credential
	err := scanner.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.Integration,
		&c.AccessToken, &c.RefreshToken, &c.Scopes, &c.ExpiresAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	return &c, err
}

func (s *SQLite) GetCredential(ctx context.Context, userID, provider, integration string) (*service.Credential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
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

	c, err := scanCredentialRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s/%s/%s: %w", userID, provider, integration, err)
	}

	return c, nil
}

func (s *SQLite) ListCredentials(ctx context.Context, userID string) ([]service.Credential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select(credentialColumns...).
		Where(goqu.I("user_id").Eq(userID)).
		Order(goqu.I("provider").Asc(), goqu.I("integration").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var result []service.Credential
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		result = append(result, *c)
	}

	return result, rows.Err()
}

// UpsertCredential runs inside a transaction. SQLite's single-writer
// connection (db.SetMaxOpenConns(1)) already serializes this with every
// other write in the process, so no explicit row lock is needed the way
// Postgres's SELECT ... FOR UPDATE is.
func (s *SQLite) UpsertCredential(ctx context.Context, cred service.Credential) (*service.Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := s.getCredentialTx(ctx, tx, cred.UserID, cred.Provider, cred.Integration)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
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
		"expires_at":    cred.ExpiresAt,
		"version":       version,
		"created_at":    createdAt,
		"updated_at":    now,
	}

	var query string
	if existing != nil {
		query, _, err = s.goqu.Update(s.tableCredentials).Set(record).
			Where(goqu.I("id").Eq(id)).ToSQL()
	} else {
		query, _, err = s.goqu.Insert(s.tableCredentials).Rows(record).ToSQL()
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
		ExpiresAt: cred.ExpiresAt, Version: version, CreatedAt: createdAt, UpdatedAt: now,
	}, nil
}

func (s *SQLite) RefreshCredential(ctx context.Context, userID, provider, integration string, refresh func(service.Credential) (service.Credential, error)) (*service.Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := s.getCredentialTx(ctx, tx, userID, provider, integration)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("credential not found for provider %q", provider)
	}

	refreshed, err := refresh(*current)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	version := current.Version + 1

	query, _, err := s.goqu.Update(s.tableCredentials).Set(
		goqu.Record{
			"access_token":  refreshed.AccessToken,
			"refresh_token": refreshed.RefreshToken,
			"expires_at":    refreshed.ExpiresAt,
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

	current.AccessToken = refreshed.AccessToken
	current.RefreshToken = refreshed.RefreshToken
	current.ExpiresAt = refreshed.ExpiresAt
	current.Version = version
	current.UpdatedAt = now
	return current, nil
}

func (s *SQLite) DeleteCredential(ctx context.Context, userID, provider, integration string) error {
	query, _, err := s.goqu.Delete(s.tableCredentials).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider").Eq(provider),
			goqu.I("integration").Eq(integration),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete credential %s/%s: %w", userID, provider, err)
	}

	return nil
}

func (s *SQLite) getCredentialTx(ctx context.Context, tx *sql.Tx, userID, provider, integration string) (*service.Credential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select(credentialColumns...).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider").Eq(provider),
			goqu.I("integration").Eq(integration),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select credential query: %w", err)
	}

	c, err := scanCredentialRow(tx.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select credential %s/%s: %w", userID, provider, err)
	}
	return c, nil
}

// ─── OAuth2 State CRUD ───

func (s *SQLite) PutState(ctx context.Context, st service.OAuth2State) error {
	query, _, err := s.goqu.Insert(s.tableOAuthStates).Rows(
		goqu.Record{
			"state":        st.State,
			"user_id":      st.UserID,
			"provider":     st.Provider,
			"integration":  st.Integration,
			"redirect_uri": st.RedirectURI,
			"expires_at":   st.ExpiresAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build put oauth state query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("put oauth state: %w", err)
	}
	return nil
}

func (s *SQLite) ConsumeState(ctx context.Context, state string) (*service.OAuth2State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableOAuthStates).
		Select("state", "user_id", "provider", "integration", "redirect_uri", "expires_at").
		Where(goqu.I("state").Eq(state)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select oauth state query: %w", err)
	}

	var st service.OAuth2State
	err = tx.QueryRowContext(ctx, selectQuery).Scan(
		&st.State, &st.UserID, &st.Provider, &st.Integration, &st.RedirectURI, &st.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth state %q: %w", state, err)
	}

	deleteQuery, _, err := s.goqu.Delete(s.tableOAuthStates).
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

	expiresAt, err := time.Parse(time.RFC3339, st.ExpiresAt)
	if err == nil && time.Now().After(expiresAt) {
		return nil, nil
	}

	return &st, nil
}

func (s *SQLite) SweepExpiredStates(ctx context.Context) (int, error) {
	query, _, err := s.goqu.Delete(s.tableOAuthStates).
		Where(goqu.I("expires_at").Lt(time.Now().UTC().Format(time.RFC3339))).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build sweep oauth states query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sweep oauth states: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}
