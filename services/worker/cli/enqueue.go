package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/services/seeder"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [kind target]",
	Short: "Add tasks to the queue",
	Long: `Add one task, or every task in a seed file with --file.

Enqueue is idempotent and needs no lease: tasks already pending or in flight
are left alone, finished and dead-lettered tasks are reported as rejected.`,
	Args: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("file", "", "YAML seed file to enqueue")
	enqueueCmd.Flags().String("payload", "", "JSON payload for a single task")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	payload, _ := cmd.Flags().GetString("payload")

	var tasks []*domain.Task
	if file != "" {
		if tasks, err = seeder.LoadSeeds(file); err != nil {
			return err
		}
	} else {
		var raw json.RawMessage
		if payload != "" {
			raw = json.RawMessage(payload)
		}
		task := domain.NewTask(args[0], args[1], raw)
		if err := task.Validate(); err != nil {
			return err
		}
		if _, ok := cfg.Kinds[task.Kind]; !ok {
			return fmt.Errorf("kind %q is not configured (known: %v)", task.Kind, cfg.KindNames())
		}
		tasks = []*domain.Task{task}
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rep, err := seeder.EnqueueAll(ctx, st.queue, tasks)
	if err != nil {
		return err
	}
	return printFields(os.Stdout, rep, [][2]string{
		{"added", fmt.Sprint(rep.Added)},
		{"already queued", fmt.Sprint(rep.Existing)},
		{"rejected", fmt.Sprint(rep.Rejected)},
	})
}
