package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agendad",
	Short: "Conversation goal-stack engine",
	Long:  "Agendad maintains a prioritized stack of objectives per conversation and serves a bounded agenda for prompt construction.",
}

// Flags shared by the inspection commands.
var (
	flagConfig  string
	flagDB      string
	flagUser    string
	flagSession string
	flagLimit   int
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "path to database (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stackCmd)
	rootCmd.AddCommand(agendaCmd)
	rootCmd.AddCommand(journalCmd)
}
