package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/hound/internal/engine"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/output"
)

// Session selection flags shared by the session commands.
var (
	flagURL     string
	flagRepo    string
	flagSession string

	runAgent string
	runPhase string
)

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagURL, "url", "u", "", "Target URL")
	cmd.Flags().StringVarP(&flagRepo, "repo", "r", ".", "Target source repository")
	cmd.Flags().StringVarP(&flagSession, "session", "s", "", "Session id (instead of --url/--repo)")
}

// sessionRef resolves the session selected on the command line.
func sessionRef() (engine.Ref, error) {
	if flagSession != "" {
		return engine.Ref{ID: flagSession}, nil
	}
	if flagURL == "" {
		return engine.Ref{}, fmt.Errorf("either --session or --url is required")
	}
	return engine.Ref{TargetURL: flagURL, RepoPath: flagRepo}, nil
}

// runContext is cancelled on SIGINT/SIGTERM so running agents are
// interrupted and rolled back instead of killed mid-write.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(rootContext(), os.Interrupt, syscall.SIGTERM)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session, or continue it where it stopped",
	Long: `Start a pipeline session for a target URL and repository. If the session
already exists it is continued: completed phases are skipped, interrupted
attempts are rolled back and retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startRun()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and agent status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the pipeline's phases and agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentsRun()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all remaining phases, one phase, or one agent",
	Long: `Run an existing session. Without flags every incomplete phase runs in
order. With --phase or --agent only that phase or agent runs; its
prerequisite phases must already be completed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun()
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <agent>",
	Short: "Reset an agent and run it again",
	Long: `Reset an agent's attempts and terminal failure, then run it. This is
the only way to retry an agent that exhausted its attempts or hit a fatal
error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rerunRun(args[0])
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <checkpoint>",
	Short: "Roll the repository back to a checkpoint",
	Long: `Restore the target repository to a checkpoint listed by 'hound status'
and reset every agent that ran from that checkpoint onwards. Work done
after the checkpoint is discarded. The rollback is recorded in the audit log.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rollbackRun(args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, statusCmd, runCmd, rerunCmd, rollbackCmd} {
		addSessionFlags(c)
	}
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Run a single agent")
	runCmd.Flags().StringVar(&runPhase, "phase", "", "Run a single phase")
	runCmd.MarkFlagsMutuallyExclusive("agent", "phase")

	rootCmd.AddCommand(startCmd, statusCmd, agentsCmd, runCmd, rerunCmd, rollbackCmd)
}

func startRun() error {
	if flagURL == "" {
		return fmt.Errorf("--url is required")
	}
	if dryRun {
		id, err := engine.SessionID(flagURL, flagRepo)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would start or continue session %s for %s in %s", id, flagURL, flagRepo)
		return nil
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	ui.Info("Running pipeline %s against %s", output.Cyan(e.Pipeline().Name), flagURL)
	sess, err := e.StartOrContinue(ctx, flagURL, flagRepo)
	return finishRun(sess, err)
}

func runRun() error {
	ref, err := sessionRef()
	if err != nil {
		return err
	}
	if dryRun {
		switch {
		case runAgent != "":
			ui.DryRunMsg("Would run agent %s", runAgent)
		case runPhase != "":
			ui.DryRunMsg("Would run phase %s", runPhase)
		default:
			ui.DryRunMsg("Would run all remaining phases")
		}
		return nil
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	var sess *models.Session
	switch {
	case runAgent != "":
		sess, err = e.RunAgent(ctx, ref, runAgent)
	case runPhase != "":
		sess, err = e.RunPhase(ctx, ref, runPhase)
	default:
		sess, err = e.RunAll(ctx, ref)
	}
	return finishRun(sess, err)
}

func rerunRun(agent string) error {
	ref, err := sessionRef()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would reset and run agent %s", agent)
		return nil
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	sess, err := e.Rerun(ctx, ref, agent)
	return finishRun(sess, err)
}

func rollbackRun(checkpointID string) error {
	ref, err := sessionRef()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would roll back to checkpoint %s", checkpointID)
		return nil
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	sess, err := e.RollbackTo(ctx, ref, checkpointID)
	if err != nil {
		return err
	}
	ui.Success("Rolled back to checkpoint %s", checkpointID)
	printSession(sess, nil)
	return nil
}

// finishRun prints the session after a run and passes the run error on.
func finishRun(sess *models.Session, err error) error {
	if sess != nil {
		printSession(sess, nil)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			ui.Warning("Interrupted; run 'hound start' again to continue")
		}
		return err
	}
	if sess != nil && sess.Status == models.SessionStatusCompleted {
		ui.Success("Session %s completed", sess.ID)
	}
	return nil
}

func statusRun() error {
	ref, err := sessionRef()
	if err != nil {
		return err
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	rep, err := e.Status(rootContext(), ref)
	if err != nil {
		if errors.Is(err, engine.ErrNoSession) {
			ui.Info("No session yet. Use 'hound start --url <url> --repo <path>' to begin.")
			return nil
		}
		return err
	}
	if rep.Repaired {
		ui.Warning("Session store was out of date and has been rebuilt from the audit log")
	}
	printSession(rep.Session, rep)

	if verbose && len(rep.Checkpoints) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Checkpoint", "Agent", "Attempt", "Created"})
		for _, cp := range rep.Checkpoints {
			table.Append([]string{cp.ID, cp.Agent, fmt.Sprintf("%d", cp.Attempt), cp.Event.Timestamp.Format("2006-01-02 15:04:05")})
		}
		table.Render()
	}
	return nil
}

func printSession(s *models.Session, rep *engine.Report) {
	fmt.Fprintf(ui.Out, "%s  %s  %s\n", output.Cyan(s.ID), s.TargetURL, s.RepoPath)
	fmt.Fprintf(ui.Out, "Status: %s  Phase: %s\n\n", output.StatusColor(string(s.Status)), s.CurrentPhase)

	maxAttempts := viper.GetInt("retry.max_attempts")
	table := ui.Table([]string{"Agent", "Phase", "Status", "Attempts", "Checkpoint", "Cost", "Error"})
	for _, a := range s.Agents {
		ckpt := a.CheckpointID
		if ckpt == "" && rep != nil {
			ckpt = rep.LastCheckpoint(a.Name)
		}
		errText := ""
		if a.LastErrorKind != "" && a.Status != models.AgentStatusCompleted {
			errText = a.LastErrorKind
			if a.Terminal {
				errText += " (terminal)"
			}
		}
		table.Append([]string{
			a.Name,
			a.Phase,
			output.StatusColor(string(a.Status)),
			output.AttemptsColor(a.Attempts, maxAttempts),
			shortID(ckpt),
			output.Cost(a.CostUSD),
			errText,
		})
	}
	table.Render()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func agentsRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	table := ui.Table([]string{"Agent", "Phase", "Requires", "Batch", "Validator", "Deliverables"})
	for _, a := range e.ListAgents() {
		batch := "-"
		if a.Parallel {
			batch = fmt.Sprintf("#%d", a.BatchIndex+1)
		}
		table.Append([]string{
			a.Name,
			a.Phase,
			strings.Join(a.Requires, ","),
			batch,
			a.Validator,
			strings.Join(a.Deliverables, "\n"),
		})
	}
	table.Render()
	return nil
}

func rootContext() context.Context {
	if ctx := rootCmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
