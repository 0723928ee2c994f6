package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/migrate"
	"github.com/example/slotwatch/internal/vault"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys and generate secrets",
	}
	cmd.AddCommand(newKeysGenerateCookieCmd())
	cmd.AddCommand(newKeysGenerateMasterCmd())
	cmd.AddCommand(newKeysAddCmd())
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysRemoveCmd())
	return cmd
}

func newKeysGenerateCookieCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-cookie",
		Short: "Generate COOKIE_HASH_KEY and COOKIE_BLOCK_KEY values (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := make([]byte, 32)
			block := make([]byte, 32)
			if _, err := rand.Read(hash); err != nil {
				return err
			}
			if _, err := rand.Read(block); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "export COOKIE_HASH_KEY=%s\n", base64.StdEncoding.EncodeToString(hash))
			fmt.Fprintf(os.Stdout, "export COOKIE_BLOCK_KEY=%s\n", base64.StdEncoding.EncodeToString(block))
			return nil
		},
	}
}

func newKeysGenerateMasterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-master",
		Short: "Generate a VAULT_MASTER_KEY value (base64, 32 bytes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.NewMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "export VAULT_MASTER_KEY=%s\n", key)
			return nil
		},
	}
}

// openVault loads config, connects and migrates, returning the vault
// plus a close func.
func openVault(ctx context.Context) (*vault.Vault, func(), error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, err
	}
	aead, err := vault.NewAEAD(cfg.MasterKey)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return vault.New(d, aead), d.Close, nil
}

func newKeysAddCmd() *cobra.Command {
	var (
		userID int64
		name   string
		secret string
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Store an encrypted API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			v, closeDB, err := openVault(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			id, err := v.Add(ctx, userID, name, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "stored key %q (id=%d) for user %d\n", name, id, userID)
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user", 0, "owner user id")
	c.Flags().StringVar(&name, "name", "", "key name")
	c.Flags().StringVar(&secret, "secret", "", "API key secret")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("secret")
	return c
}

func newKeysListCmd() *cobra.Command {
	var userID int64

	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's stored API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			v, closeDB, err := openVault(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			keys, err := v.List(ctx, userID)
			if err != nil {
				return err
			}
			for _, k := range keys {
				state := "valid"
				if !k.Valid {
					state = "invalid"
				}
				checked := "never"
				if k.LastChecked != nil {
					checked = k.LastChecked.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(os.Stdout, "%d\t%s\t%s\tchecked=%s\n", k.ID, k.Name, state, checked)
			}
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user", 0, "owner user id")
	_ = c.MarkFlagRequired("user")
	return c
}

func newKeysRemoveCmd() *cobra.Command {
	var (
		userID int64
		keyID  int64
	)

	c := &cobra.Command{
		Use:   "remove",
		Short: "Remove a stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			v, closeDB, err := openVault(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := v.Remove(ctx, userID, keyID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "removed key %d for user %d\n", keyID, userID)
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user", 0, "owner user id")
	c.Flags().Int64Var(&keyID, "id", 0, "key id")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("id")
	return c
}
