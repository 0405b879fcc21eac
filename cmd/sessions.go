package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vanducng/mediarelay/internal/store/file"
)

var sessionsAuthStorePath string

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage enrolled session credentials",
	}
	cmd.PersistentFlags().StringVar(&sessionsAuthStorePath, "auth-store", "sessions.json", "path to the persisted session auth store")

	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsEnrollCmd())
	cmd.AddCommand(sessionsEnableCmd())
	cmd.AddCommand(sessionsDisableCmd())

	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := file.Open(sessionsAuthStorePath)
			if err != nil {
				return fmt.Errorf("open auth store: %w", err)
			}
			records := store.List()
			if len(records) == 0 {
				fmt.Println("no sessions enrolled")
				return nil
			}
			for _, r := range records {
				status := "disabled"
				if r.Enabled {
					status = "enabled"
				}
				fmt.Printf("%-20s %s\n", r.Name, status)
			}
			return nil
		},
	}
}

func sessionsEnrollCmd() *cobra.Command {
	var artifact string
	cmd := &cobra.Command{
		Use:   "enroll <name>",
		Short: "Enroll a session with its auth artifact (bot token / session string)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifact == "" {
				return fmt.Errorf("--artifact is required")
			}
			store, err := file.Open(sessionsAuthStorePath)
			if err != nil {
				return fmt.Errorf("open auth store: %w", err)
			}
			return store.Put(file.Record{Name: args[0], Artifact: []byte(artifact), Enabled: true})
		},
	}
	cmd.Flags().StringVar(&artifact, "artifact", "", "opaque auth artifact for this session")
	return cmd
}

func sessionsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a previously enrolled session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := file.Open(sessionsAuthStorePath)
			if err != nil {
				return fmt.Errorf("open auth store: %w", err)
			}
			return store.SetEnabled(args[0], true)
		},
	}
}

func sessionsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable an enrolled session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := file.Open(sessionsAuthStorePath)
			if err != nil {
				return fmt.Errorf("open auth store: %w", err)
			}
			return store.SetEnabled(args[0], false)
		},
	}
}
