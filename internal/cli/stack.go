package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/convokit/agendad/internal/planner"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Print a session's active goal stack",
	RunE:  runStack,
}

var agendaCmd = &cobra.Command{
	Use:   "agenda",
	Short: "Print a session's rendered agenda block",
	RunE:  runAgenda,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print a session's recent journal entries",
	RunE:  runJournal,
}

func init() {
	for _, c := range []*cobra.Command{stackCmd, agendaCmd, journalCmd} {
		c.Flags().StringVar(&flagUser, "user", "", "user id")
		c.Flags().StringVar(&flagSession, "session", "", "session id")
		c.MarkFlagRequired("user")
		c.MarkFlagRequired("session")
	}
	stackCmd.Flags().IntVar(&flagLimit, "limit", 0, "max goals to print")
	journalCmd.Flags().IntVar(&flagLimit, "limit", 20, "max entries to print")
}

func runStack(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p := planner.New(db, cfg.Planner)
	goals, err := p.GetStack(flagUser, flagSession, flagLimit)
	if err != nil {
		return err
	}
	if len(goals) == 0 {
		fmt.Fprintln(os.Stderr, "no active goals")
		return nil
	}
	for i, g := range goals {
		fmt.Printf("%d. [%s/p%d] %s (id:%s updated:%s)\n", i+1, g.GoalType, g.Priority, g.GoalText,
			g.ID, time.UnixMilli(g.UpdatedAt).Format("2006-01-02 15:04"))
	}
	return nil
}

func runAgenda(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p := planner.New(db, cfg.Planner)
	agenda, err := p.FormatAgenda(flagUser, flagSession)
	if err != nil {
		return err
	}
	if agenda == "" {
		fmt.Fprintln(os.Stderr, "no active goals")
		return nil
	}
	fmt.Println(agenda)
	return nil
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.Goals().ListJournal(flagUser, flagSession, flagLimit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		goalID := "-"
		if e.GoalID != nil {
			goalID = *e.GoalID
		}
		ts := time.UnixMilli(e.CreatedAt).Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] %-10s goal:%s %v\n", ts, e.EventType, goalID, e.Payload)
	}
	return nil
}
