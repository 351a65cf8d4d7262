package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/hound/internal/output"
	"github.com/joescharf/hound/internal/store"
)

var sessionsDeleteAll bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or delete sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id...]",
	Short: "Delete sessions and their audit logs",
	Long: `Delete sessions from the store together with their audit logs.
The target repositories are not touched. A session being run by another
hound process is not deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !sessionsDeleteAll {
			return fmt.Errorf("give one or more session ids, or --all")
		}
		return sessionsDeleteRun(args)
	},
}

func init() {
	sessionsDeleteCmd.Flags().BoolVar(&sessionsDeleteAll, "all", false, "Delete every session")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	list, err := e.ListSessions(rootContext())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions. Use 'hound start --url <url> --repo <path>' to begin.")
		return nil
	}

	table := ui.Table([]string{"Session", "Target", "Repo", "Status", "Phase", "Agents", "Updated"})
	for _, s := range list {
		table.Append([]string{
			output.Cyan(s.ID),
			s.TargetURL,
			s.RepoPath,
			output.StatusColor(string(s.Status)),
			s.CurrentPhase,
			agentCounts(s),
			timeAgo(s.UpdatedAt),
		})
	}
	table.Render()
	return nil
}

// agentCounts renders completed/total, green once every agent is done.
func agentCounts(s store.SessionSummary) string {
	done := fmt.Sprintf("%d/%d", s.Completed, s.Total)
	if s.Total > 0 && s.Completed == s.Total {
		done = output.Green(done)
	} else {
		done = output.Yellow(done)
	}
	if s.Failed > 0 {
		done += " " + output.Red(fmt.Sprintf("(%d failed)", s.Failed))
	}
	return done
}

func sessionsDeleteRun(ids []string) error {
	if dryRun {
		if sessionsDeleteAll {
			ui.DryRunMsg("Would delete every session")
		} else {
			ui.DryRunMsg("Would delete sessions: %v", ids)
		}
		return nil
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	deleted, err := e.DeleteSessions(rootContext(), ids, sessionsDeleteAll)
	for _, id := range deleted {
		ui.Success("Deleted session %s", id)
	}
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		ui.Info("Nothing to delete")
	}
	return nil
}

// timeAgo returns a human-readable relative time string.
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
