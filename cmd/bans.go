package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/bans"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func openBanStore() (*store.Store, *bans.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(context.Background(), cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return st, bans.New(st.DB), nil
}

func banCmd() *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "ban <chat-id>",
		Short: "Ban a chat id, silently dropping its future inbound messages",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st, bstore, err := openBanStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			if err := bstore.Ban(context.Background(), args[0], reason, "operator"); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("banned %s\n", args[0])
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "reason for the ban")
	return c
}

func unbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <chat-id>",
		Short: "Remove a chat id's ban",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st, bstore, err := openBanStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			if err := bstore.Unban(context.Background(), args[0]); err != nil {
				if err == bans.ErrNotBanned {
					fmt.Fprintln(os.Stderr, "not banned:", args[0])
					os.Exit(1)
				}
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			fmt.Printf("unbanned %s\n", args[0])
		},
	}
}

func listBansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-bans",
		Short: "List all currently banned chat ids",
		Run: func(cmd *cobra.Command, args []string) {
			st, bstore, err := openBanStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			list, err := bstore.List(context.Background())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if len(list) == 0 {
				fmt.Println("no bans")
				return
			}
			for _, b := range list {
				fmt.Printf("%s  reason=%q  by=%s  at=%s\n", b.ActorID, b.Reason, b.BannedBy, b.BannedAt.Format("2006-01-02T15:04:05Z"))
			}
		},
	}
}
