package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telclaude-kernel/internal/memory"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/policy"
	"github.com/nextlevelbuilder/telclaude-kernel/internal/store"
)

func openMemoryStore() (*store.Store, *memory.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(context.Background(), cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return st, memory.New(st.DB), nil
}

func memoryCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "memory",
		Short: "Read, write and quarantine accumulated memory entries",
	}
	c.AddCommand(memoryReadCmd(), memoryWriteCmd(), memoryQuarantineCmd())
	return c
}

func memoryReadCmd() *cobra.Command {
	var category string
	c := &cobra.Command{
		Use:   "read",
		Short: "List memory entries in a category, excluding quarantined ones",
		Run: func(cmd *cobra.Command, args []string) {
			if category == "" {
				fmt.Fprintln(os.Stderr, "--category is required")
				os.Exit(2)
			}
			st, mstore, err := openMemoryStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			entries, err := mstore.ListForPersona(context.Background(), memory.Category(category))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if len(entries) == 0 {
				fmt.Println("no entries")
				return
			}
			for _, e := range entries {
				fmt.Printf("%s  [%s/%s]  %s\n", e.ID, e.Source, e.Trust, e.Content)
			}
		},
	}
	c.Flags().StringVar(&category, "category", "", "entry category: profile|interests|meta|threads|posts")
	return c
}

func memoryWriteCmd() *cobra.Command {
	var category, content, scope string
	c := &cobra.Command{
		Use:   "write",
		Short: "Write a new memory entry, trust-tagged by its writer scope",
		Run: func(cmd *cobra.Command, args []string) {
			if category == "" || content == "" || scope == "" {
				fmt.Fprintln(os.Stderr, "--category, --content and --scope are required")
				os.Exit(2)
			}
			sc, err := policy.ParseScope(scope)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			st, mstore, err := openMemoryStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			e, err := mstore.Write(context.Background(), memory.Category(category), content, sc)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("wrote %s (trust=%s)\n", e.ID, e.Trust)
		},
	}
	c.Flags().StringVar(&category, "category", "", "entry category: profile|interests|meta|threads|posts")
	c.Flags().StringVar(&content, "content", "", "entry content")
	c.Flags().StringVar(&scope, "scope", "", "writer scope: telegram|social|moltbook|agent|relay")
	return c
}

// memoryQuarantineCmd forbids the moltbook scope from issuing quarantine
// decisions: quarantine removes an entry from what the public-persona agent
// can see, and moltbook is itself one of the untrusted scopes that writes
// the entries being curated — letting it quarantine would let an untrusted
// writer erase the record of its own flagged content.
func memoryQuarantineCmd() *cobra.Command {
	var scope string
	c := &cobra.Command{
		Use:   "quarantine <entry-id>",
		Short: "Quarantine a memory entry so it is never again surfaced to the persona agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if policy.Scope(scope) == policy.ScopeMoltbook {
				fmt.Fprintln(os.Stderr, "quarantine is forbidden from the moltbook scope")
				os.Exit(1)
			}
			st, mstore, err := openMemoryStore()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			defer st.Close()
			if err := mstore.Quarantine(context.Background(), args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("quarantined %s\n", args[0])
		},
	}
	c.Flags().StringVar(&scope, "scope", "operator", "scope issuing this quarantine (moltbook is forbidden)")
	return c
}
