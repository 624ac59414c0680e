package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/totp"
)

func forceReauthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-reauth <local-user-id>",
		Short: "Invalidate a local user's TOTP session, forcing a fresh challenge on their next message",
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

			tstore := totp.NewStore(st.DB, 0, 0)
			gate := totp.NewAuthGate(nil, tstore)
			if err := gate.ForceReauth(context.Background(), args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("forced reauth for %s\n", args[0])
		},
	}
}
