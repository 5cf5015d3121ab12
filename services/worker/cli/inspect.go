package cli

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soheilrt/play-scraper/internal/domain"
	redisstore "github.com/soheilrt/play-scraper/internal/redis"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [task-id]",
	Short: "Show queue counts, or one task with its result",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspect,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks in one partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt64("limit")
		return listTasks(domain.Status(status), limit)
	},
}

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List dead-lettered tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt64("limit")
		return listTasks(domain.StatusDead, limit)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Ask the lease holder to requeue a dead-lettered task",
	Long: `Submit an admin command that moves a dead-lettered task back to pending.

The command is applied by the active worker on its next cycle; this process
never touches the queue partitions directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Show which instance holds the writer lease",
	Args:  cobra.NoArgs,
	RunE:  runLease,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the store's on-disk persistence state",
	Args:  cobra.NoArgs,
	RunE:  runSnapshot,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "auto", "output format: auto | table | json")
	tasksCmd.Flags().String("status", string(domain.StatusPending), "partition: pending | in_flight | done | dead")
	tasksCmd.Flags().Int64("limit", 50, "maximum tasks to list")
	deadlettersCmd.Flags().Int64("limit", 50, "maximum tasks to list")
	requeueCmd.Flags().String("requested-by", "", "operator name recorded on the command (default: current user)")
}

// withStores loads config, opens the store and runs fn.
func withStores(fn func(ctx context.Context, st *stores) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, st)
}

func runInspect(_ *cobra.Command, args []string) error {
	return withStores(func(ctx context.Context, st *stores) error {
		if len(args) == 0 {
			stats, err := st.queue.Stats(ctx)
			if err != nil {
				return err
			}
			return printFields(os.Stdout, stats, [][2]string{
				{"pending", fmt.Sprint(stats.Pending)},
				{"in flight", fmt.Sprint(stats.InFlight)},
				{"done", fmt.Sprint(stats.Done)},
				{"dead", fmt.Sprint(stats.Dead)},
			})
		}

		task, err := st.queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		view := struct {
			Task   *domain.Task   `json:"task"`
			Result *domain.Result `json:"result,omitempty"`
		}{Task: task}
		if res, err := st.results.GetResult(ctx, task.ID); err == nil {
			view.Result = res
		}

		fields := [][2]string{
			{"id", task.ID},
			{"kind", task.Kind},
			{"target", task.Target},
			{"status", string(task.Status)},
			{"attempts", fmt.Sprint(task.Attempts)},
			{"reclaims", fmt.Sprint(task.Reclaims)},
			{"enqueued", formatTime(task.EnqueuedAt)},
			{"updated", formatTime(task.UpdatedAt)},
			{"claimed", formatTimePtr(task.ClaimedAt)},
			{"completed", formatTimePtr(task.CompletedAt)},
			{"last error", task.LastError},
		}
		if view.Result != nil {
			fields = append(fields,
				[2]string{"result title", view.Result.Title},
				[2]string{"result url", view.Result.URL},
				[2]string{"discovered", fmt.Sprint(len(view.Result.Discovered))},
			)
		}
		return printFields(os.Stdout, view, fields)
	})
}

func listTasks(status domain.Status, limit int64) error {
	switch status {
	case domain.StatusPending, domain.StatusInFlight, domain.StatusDone, domain.StatusDead:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	return withStores(func(ctx context.Context, st *stores) error {
		tasks, err := st.queue.List(ctx, status, limit)
		if err != nil {
			return err
		}
		return printTasks(os.Stdout, tasks)
	})
}

func runRequeue(cmd *cobra.Command, args []string) error {
	by, _ := cmd.Flags().GetString("requested-by")
	if by == "" {
		if u, err := user.Current(); err == nil {
			by = u.Username
		}
	}
	return withStores(func(ctx context.Context, st *stores) error {
		task, err := st.queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if task.Status != domain.StatusDead {
			return fmt.Errorf("task %s is %s, not dead", task.ID, task.Status)
		}
		c, err := st.admin.Submit(ctx, redisstore.OpRequeueDead, task.ID, by)
		if err != nil {
			return err
		}
		return printFields(os.Stdout, c, [][2]string{
			{"command", c.ID},
			{"op", c.Op},
			{"task", c.TaskID},
			{"requested by", c.RequestedBy},
		})
	})
}

func runLease(_ *cobra.Command, _ []string) error {
	return withStores(func(ctx context.Context, st *stores) error {
		info, err := st.lease.Holder(ctx)
		if err != nil {
			return err
		}
		holder := info.Holder
		if !info.Held {
			holder = "(none)"
		}
		pending, err := st.admin.Pending(ctx)
		if err != nil {
			return err
		}
		return printFields(os.Stdout, info, [][2]string{
			{"holder", holder},
			{"expires in", info.TTL.String()},
			{"pending admin commands", fmt.Sprint(len(pending))},
		})
	})
}

func runSnapshot(_ *cobra.Command, _ []string) error {
	return withStores(func(ctx context.Context, st *stores) error {
		info, err := st.snapshot(ctx)
		if err != nil {
			return err
		}
		policy := strings.TrimSpace(info.SavePolicy)
		if policy == "" {
			policy = "(disabled)"
		}
		if err := printFields(os.Stdout, info, [][2]string{
			{"dir", info.Dir},
			{"save policy", policy},
			{"last save", formatTime(info.LastSave)},
			{"changes since save", fmt.Sprint(info.ChangesSinceSave)},
			{"bgsave in progress", fmt.Sprint(info.BgsaveInProgress)},
			{"last bgsave status", info.LastBgsaveStatus},
			{"aof enabled", fmt.Sprint(info.AOFEnabled)},
		}); err != nil {
			return err
		}
		if !info.Enabled() {
			fmt.Fprintln(os.Stderr, "warning: persistence is disabled; queue state is lost on store restart")
		}
		return nil
	})
}
