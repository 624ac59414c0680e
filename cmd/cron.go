package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/scheduler"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func openScheduler() (*store.Store, *scheduler.Runner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(context.Background(), cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	runner := scheduler.NewRunner(st.DB, parseDuration(cfg.Scheduler.LeaseDuration, 60*time.Second), scheduler.Deadlines{
		Soft: parseDuration(cfg.Scheduler.SoftDeadline, 5*time.Minute),
		Hard: parseDuration(cfg.Scheduler.HardDeadline, 10*time.Minute),
	}, nil)
	return st, runner, nil
}

func cronCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cron",
		Short: "Administer scheduled jobs (at/every/cron schedules run by the scheduler)",
	}
	c.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronEnableCmd(), cronDisableCmd(), cronRunCmd())
	return c
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			st, runner, err := openScheduler()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			jobs, err := runner.List(context.Background())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return
			}
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %s(%s)  scope=%s actor=%s  %s  next_run=%s\n",
					j.JobID, j.ScheduleKind, j.ScheduleExpr, j.Scope, j.ActorID, state,
					time.UnixMilli(j.NextRunAtMs).Format(time.RFC3339))
			}
		},
	}
}

func cronAddCmd() *cobra.Command {
	var kind, expr, scope, actorID, payload string
	c := &cobra.Command{
		Use:   "add",
		Short: "Add a new scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			if kind == "" || expr == "" || scope == "" || actorID == "" {
				fmt.Fprintln(os.Stderr, "--kind, --expr, --scope and --actor are required")
				os.Exit(2)
			}
			st, runner, err := openScheduler()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			jobID, err := runner.Add(context.Background(), scheduler.Kind(kind), expr, scope, actorID, payload)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("added job %s\n", jobID)
		},
	}
	c.Flags().StringVar(&kind, "kind", "", "schedule kind: at|every|cron")
	c.Flags().StringVar(&expr, "expr", "", "schedule expression")
	c.Flags().StringVar(&scope, "scope", "", "trust scope the job's synthetic message carries")
	c.Flags().StringVar(&actorID, "actor", "", "actor id attributed to the job's dispatches")
	c.Flags().StringVar(&payload, "payload", "", "operator-authored message body dispatched on each run")
	return c
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st, runner, err := openScheduler()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			if err := runner.Remove(context.Background(), args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("removed %s\n", args[0])
		},
	}
}

func cronSetEnabled(jobID string, enabled bool) {
	st, runner, err := openScheduler()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer st.Close()
	if err := runner.Enable(context.Background(), jobID, enabled); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	fmt.Printf("%s %s\n", verb, jobID)
}

func cronEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <job-id>",
		Short: "Enable a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cronSetEnabled(args[0], true)
		},
	}
}

func cronDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <job-id>",
		Short: "Disable a scheduled job without deleting it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cronSetEnabled(args[0], false)
		},
	}
}

// cronRunCmd marks a job due immediately rather than executing it in the
// CLI process: actually dispatching a job requires the full Mediator
// pipeline the running `serve` process owns, so "run" just pulls its
// next_run_at_ms forward so that process's poller claims it on its next
// cycle instead of waiting for the job's regular schedule.
func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Trigger a job to run on the next poll of the live kernel process",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			st, err := store.Open(context.Background(), cfg.DBPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()

			res, err := st.DB.ExecContext(context.Background(),
				`UPDATE cron_jobs SET next_run_at_ms = ? WHERE job_id = ?`,
				time.Now().UnixMilli(), args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				fmt.Fprintln(os.Stderr, "no such job:", args[0])
				os.Exit(1)
			}
			fmt.Printf("triggered %s\n", args[0])
		},
	}
}
