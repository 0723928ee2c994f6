package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/migrate"
	"github.com/example/slotwatch/internal/tasks"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage monitoring tasks (direct database access; a running server picks changes up through the API)",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskPauseCmd(true))
	cmd.AddCommand(newTaskPauseCmd(false))
	cmd.AddCommand(newTaskDeleteCmd())
	return cmd
}

// openTasks loads config, connects and migrates, returning the task
// repo plus a close func.
func openTasks(ctx context.Context) (*tasks.Repo, func(), error) {
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
	return tasks.NewRepo(d), d.Close, nil
}

func newTaskCreateCmd() *cobra.Command {
	var (
		userID        int64
		warehouseID   int64
		warehouseName string
		dateFrom      string
		dateTo        string
		maxCoeff      float64
		supplyType    string
		deliveryType  string
		mode          string
		cadenceSec    int
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a monitoring task",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse("2006-01-02", dateFrom)
			if err != nil {
				return fmt.Errorf("--from must be YYYY-MM-DD")
			}
			to, err := time.Parse("2006-01-02", dateTo)
			if err != nil {
				return fmt.Errorf("--to must be YYYY-MM-DD")
			}

			t := tasks.Task{
				UserID:         userID,
				WarehouseID:    warehouseID,
				WarehouseName:  warehouseName,
				DateFrom:       from,
				DateTo:         to,
				MaxCoefficient: maxCoeff,
				SupplyType:     supplyType,
				DeliveryType:   deliveryType,
				Mode:           mode,
				CadenceSec:     cadenceSec,
				Active:         true,
			}
			if err := t.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			repo, closeDB, err := openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			id, err := repo.Create(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created task %d (%s, %s..%s, every %ds)\n", id, warehouseName, dateFrom, dateTo, cadenceSec)
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user", 0, "owner user id")
	c.Flags().Int64Var(&warehouseID, "warehouse-id", 0, "warehouse id")
	c.Flags().StringVar(&warehouseName, "warehouse-name", "", "warehouse display name")
	c.Flags().StringVar(&dateFrom, "from", "", "first acceptable date (YYYY-MM-DD)")
	c.Flags().StringVar(&dateTo, "to", "", "last acceptable date (YYYY-MM-DD)")
	c.Flags().Float64Var(&maxCoeff, "max-coefficient", 1, "maximum acceptable price coefficient")
	c.Flags().StringVar(&supplyType, "supply", tasks.SupplyBox, "supply type: box or mono_pallet")
	c.Flags().StringVar(&deliveryType, "delivery", tasks.DeliveryDirect, "delivery type: direct or transit")
	c.Flags().StringVar(&mode, "mode", tasks.ModeNotify, "notify or autobook")
	c.Flags().IntVar(&cadenceSec, "cadence", 5, "poll cadence in seconds (1-600)")
	_ = c.MarkFlagRequired("user")
	_ = c.MarkFlagRequired("warehouse-id")
	_ = c.MarkFlagRequired("warehouse-name")
	_ = c.MarkFlagRequired("from")
	_ = c.MarkFlagRequired("to")
	return c
}

func newTaskListCmd() *cobra.Command {
	var userID int64

	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's monitoring tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			repo, closeDB, err := openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			ts, err := repo.ListByUser(ctx, userID)
			if err != nil {
				return err
			}
			for _, t := range ts {
				state := "active"
				switch {
				case !t.Active:
					state = "done"
				case t.Paused:
					state = "paused"
				}
				fmt.Fprintf(os.Stdout, "%d\t%s\t%s..%s\t%s\t%s\tevery %ds\tchecks=%d slots=%d\n",
					t.ID, t.WarehouseName,
					t.DateFrom.Format("2006-01-02"), t.DateTo.Format("2006-01-02"),
					t.Mode, state, t.CadenceSec, t.TotalChecks, t.SlotsFound)
			}
			return nil
		},
	}

	c.Flags().Int64Var(&userID, "user", 0, "owner user id")
	_ = c.MarkFlagRequired("user")
	return c
}

func newTaskPauseCmd(pause bool) *cobra.Command {
	use, short := "pause", "Pause a monitoring task"
	if !pause {
		use, short = "resume", "Resume a paused monitoring task"
	}

	var taskID int64
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			repo, closeDB, err := openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := repo.SetPaused(ctx, taskID, pause); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%sd task %d\n", use, taskID)
			return nil
		},
	}

	c.Flags().Int64Var(&taskID, "id", 0, "task id")
	_ = c.MarkFlagRequired("id")
	return c
}

func newTaskDeleteCmd() *cobra.Command {
	var taskID int64

	c := &cobra.Command{
		Use:   "delete",
		Short: "Delete a monitoring task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			repo, closeDB, err := openTasks(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := repo.Delete(ctx, taskID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "deleted task %d\n", taskID)
			return nil
		},
	}

	c.Flags().Int64Var(&taskID, "id", 0, "task id")
	_ = c.MarkFlagRequired("id")
	return c
}
