// Package housekeeping runs the periodic maintenance sweeps: retiring
// tasks whose date range has ended and revalidating stored API keys.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/example/slotwatch/internal/inventory"
	"github.com/example/slotwatch/internal/tasks"
	"github.com/example/slotwatch/internal/vault"
)

// PoolRefresher invalidates a user's cached credential pool after key
// state changes. *engine.Engine implements it.
type PoolRefresher interface {
	RefreshPool(userID int64)
}

type Sweeper struct {
	cron      *cron.Cron
	tasks     *tasks.Repo
	vault     *vault.Vault
	inventory *inventory.Client
	pools     PoolRefresher
}

func New(taskRepo *tasks.Repo, v *vault.Vault, inv *inventory.Client, pools PoolRefresher) *Sweeper {
	return &Sweeper{
		cron:      cron.New(),
		tasks:     taskRepo,
		vault:     v,
		inventory: inv,
		pools:     pools,
	}
}

// Start registers the sweeps and starts the cron loop.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1h", func() { s.expireTasks(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 6h", func() { s.revalidateKeys(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.cron.Start()
	log.Println("[housekeeping] sweeps started")
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[housekeeping] sweeps stopped")
}

// expireTasks deactivates tasks whose date range has passed.
func (s *Sweeper) expireTasks(ctx context.Context) {
	n, err := s.tasks.ExpireEnded(ctx)
	if err != nil {
		log.Printf("[housekeeping] expire tasks: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[housekeeping] deactivated %d ended task(s)", n)
	}
}

// revalidateKeys probes every stored key against the warehouses
// endpoint and records the outcome.
func (s *Sweeper) revalidateKeys(ctx context.Context) {
	userIDs, err := s.vault.UserIDsWithKeys(ctx)
	if err != nil {
		log.Printf("[housekeeping] list key owners: %v", err)
		return
	}

	for _, uid := range userIDs {
		creds, err := s.vault.Decrypt(ctx, uid)
		if err != nil {
			log.Printf("[housekeeping] user=%d decrypt keys: %v", uid, err)
			continue
		}

		changed := false
		for _, c := range creds {
			_, err := s.inventory.Warehouses(ctx, c.Secret)
			switch {
			case err == nil:
				if merr := s.vault.MarkValidity(ctx, c.ID, true); merr != nil {
					log.Printf("[housekeeping] key=%d mark valid: %v", c.ID, merr)
				}
			case errors.Is(err, inventory.ErrAuthRejected):
				log.Printf("[housekeeping] user=%d key=%q rejected: %v", uid, c.Name, err)
				if merr := s.vault.MarkValidity(ctx, c.ID, false); merr != nil {
					log.Printf("[housekeeping] key=%d mark invalid: %v", c.ID, merr)
				}
				changed = true
			default:
				// throttled or transient, leave validity untouched
			}
		}
		if changed {
			s.pools.RefreshPool(uid)
		}
	}
}
