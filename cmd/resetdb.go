package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const resetDBConfirmPhrase = "delete all kernel data"

// resetDBCmd wipes the embedded store's database file. It is guarded two
// ways: an interactive session must type the confirmation phrase back
// verbatim, and a non-interactive invocation (no controlling terminal, e.g.
// a deploy script) must instead set TELCLAUDE_CONFIRM_RESET_DB to the same
// phrase — there is no way to skip the check silently in either mode.
func resetDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-db",
		Short: "Irreversibly delete the entire kernel database (sessions, approvals, bans, memory, everything)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			dbPath := cfg.DBPath()

			if !confirmResetDB() {
				fmt.Fprintln(os.Stderr, "reset-db aborted: confirmation not given")
				os.Exit(1)
			}

			if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("removed %s\n", dbPath)
		},
	}
}

func confirmResetDB() bool {
	fi, err := os.Stdin.Stat()
	interactive := err == nil && (fi.Mode()&os.ModeCharDevice) != 0

	if !interactive {
		return os.Getenv("TELCLAUDE_CONFIRM_RESET_DB") == resetDBConfirmPhrase
	}

	fmt.Printf("This deletes the entire kernel database. Type %q to continue: ", resetDBConfirmPhrase)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line) == resetDBConfirmPhrase
}
