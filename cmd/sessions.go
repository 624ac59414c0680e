package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/sessions"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func sessionsCmd() *cobra.Command {
	var activeHours int
	var limit int
	c := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect active conversation sessions",
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

			mgr := sessions.New(st.DB)
			within := time.Duration(activeHours) * time.Hour
			list, err := mgr.ListActive(context.Background(), within)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if limit > 0 && len(list) > limit {
				list = list[:limit]
			}
			if len(list) == 0 {
				fmt.Println("no active sessions")
				return
			}
			for _, s := range list {
				fmt.Printf("%s  thread=%s pool=%s  updated=%s  prompt_sent=%v\n",
					s.SessionID, s.ThreadKey, s.PoolKey, s.UpdatedAt.Format(time.RFC3339), s.SystemPromptSent)
			}
		},
	}
	c.Flags().IntVar(&activeHours, "active", 24, "only show sessions updated within this many hours")
	c.Flags().IntVar(&limit, "limit", 50, "maximum sessions to print")
	return c
}
