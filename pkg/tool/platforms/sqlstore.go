// pkg/tool/platforms/sqlstore.go
package platforms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
)

// SQLStore persists registrations in the lti_platforms table created by db.Open.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(dbh *sql.DB) *SQLStore { return &SQLStore{DB: dbh} }

const selectPlatform = `
SELECT issuer, name, client_id, auth_url, token_url, redirect_uri,
       auth_method, auth_key, key_id, public_key, private_key
FROM lti_platforms`

func (s *SQLStore) Lookup(ctx context.Context, issuer string) (Platform, error) {
	row := s.DB.QueryRowContext(ctx, selectPlatform+` WHERE issuer = $1`, issuer)
	p, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Platform{}, NotFound
	}
	if err != nil {
		return Platform{}, fmt.Errorf("platforms: lookup %q: %w", issuer, err)
	}
	return p, nil
}

// Insert adds p. A concurrent insert of the same issuer resolves to ErrExists
// through the primary key rather than a driver constraint error.
func (s *SQLStore) Insert(ctx context.Context, p Platform) error {
	return db.WithTx(ctx, s.DB, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO lti_platforms
  (issuer, name, client_id, auth_url, token_url, redirect_uri,
   auth_method, auth_key, key_id, public_key, private_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (issuer) DO NOTHING`,
			p.Issuer, p.Name, p.ClientID, p.AuthURL, p.TokenURL, p.RedirectURI,
			p.AuthConfig.Method, p.AuthConfig.Key,
			p.Keys.KeyID, p.Keys.PublicKeyPEM, p.Keys.PrivateKeyPEM,
			s.now().Unix())
		if err != nil {
			return fmt.Errorf("platforms: insert %q: %w", p.Issuer, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("platforms: insert %q: %w", p.Issuer, err)
		}
		if n == 0 {
			return ErrExists
		}
		return nil
	})
}

// PublicKeys implements keys.PublicKeySource. Only public halves are read.
func (s *SQLStore) PublicKeys(ctx context.Context) ([]keys.KeyMaterial, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT public_key FROM lti_platforms ORDER BY issuer`)
	if err != nil {
		return nil, fmt.Errorf("platforms: list keys: %w", err)
	}
	defer rows.Close()
	var out []keys.KeyMaterial
	for rows.Next() {
		var k keys.KeyMaterial
		if err := rows.Scan(&k.PublicKeyPEM); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func scanPlatform(row *sql.Row) (Platform, error) {
	var p Platform
	err := row.Scan(
		&p.Issuer, &p.Name, &p.ClientID, &p.AuthURL, &p.TokenURL, &p.RedirectURI,
		&p.AuthConfig.Method, &p.AuthConfig.Key,
		&p.Keys.KeyID, &p.Keys.PublicKeyPEM, &p.Keys.PrivateKeyPEM,
	)
	return p, err
}
