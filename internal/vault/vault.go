package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/keypool"
)

// Key is one stored API key. Secret is populated only by Decrypt.
type Key struct {
	ID          int64
	UserID      int64
	Name        string
	Valid       bool
	LastChecked *time.Time
	CreatedAt   time.Time
}

// Vault persists encrypted API keys and decrypts them on demand.
type Vault struct {
	db   *db.DB
	aead *AEAD
}

func New(d *db.DB, aead *AEAD) *Vault {
	return &Vault{db: d, aead: aead}
}

func (v *Vault) Add(ctx context.Context, userID int64, name, secret string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("vault: key name is required")
	}
	if secret == "" {
		return 0, fmt.Errorf("vault: key secret is required")
	}
	enc, err := v.aead.EncryptToString(secret)
	if err != nil {
		return 0, err
	}
	var id int64
	err = v.db.QueryRow(ctx, `
INSERT INTO api_keys(user_id, name, encrypted_key)
VALUES ($1, $2, $3)
RETURNING id`, userID, name, enc).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("vault: store key: %w", err)
	}
	return id, nil
}

func (v *Vault) List(ctx context.Context, userID int64) ([]Key, error) {
	rows, err := v.db.Query(ctx, `
SELECT id, user_id, name, is_valid, last_checked, created_at
FROM api_keys
WHERE user_id = $1
ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Valid, &k.LastChecked, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (v *Vault) Remove(ctx context.Context, userID, keyID int64) error {
	return v.db.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, keyID, userID)
}

// Decrypt returns the user's valid credentials, plaintext secrets
// included, ready for pool construction. Keys that fail to decrypt
// (master key rotation gone wrong) are skipped, not fatal.
func (v *Vault) Decrypt(ctx context.Context, userID int64) ([]keypool.Credential, error) {
	rows, err := v.db.Query(ctx, `
SELECT id, name, encrypted_key
FROM api_keys
WHERE user_id = $1 AND is_valid
ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []keypool.Credential
	for rows.Next() {
		var (
			c   keypool.Credential
			enc string
		)
		if err := rows.Scan(&c.ID, &c.Name, &enc); err != nil {
			return nil, err
		}
		secret, err := v.aead.DecryptString(enc)
		if err != nil {
			continue
		}
		c.Secret = secret
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkValidity records the outcome of a key check.
func (v *Vault) MarkValidity(ctx context.Context, keyID int64, valid bool) error {
	return v.db.Exec(ctx, `
UPDATE api_keys
SET is_valid = $2, last_checked = now()
WHERE id = $1`, keyID, valid)
}

// UserIDsWithKeys lists users that have at least one valid key, for
// periodic revalidation sweeps.
func (v *Vault) UserIDsWithKeys(ctx context.Context) ([]int64, error) {
	rows, err := v.db.Query(ctx, `SELECT DISTINCT user_id FROM api_keys WHERE is_valid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
