package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/model"
	"github.com/sunshow/workgear/client/internal/session"
	"github.com/sunshow/workgear/client/internal/workflow"
)

const setTyping = ". Values are strings; prefix a YAML tag for other types, e.g. !!int 3 or !!bool false"

// ─── start ───

func newStartCommand(root *rootOptions) *cobra.Command {
	var (
		req      engine.StartRequest
		decision string
		feedback string
		sets     []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an automation case workflow and follow it",
		Long: "Start an automation case workflow and follow it until it finishes or waits for review. " +
			"With --decision the review checkpoint is answered in the same run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.runApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.session.StartTask(ctx, req)
				if err != nil {
					return err
				}
				defer view.Close()
				return follow(ctx, a, view, decision, feedback, sets, false)
			})
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&req.TestCaseID, "test-case-id", 0, "Test case to automate")
	flags.StringVar(&req.ScenarioType, "scenario", "", "Scenario type")
	flags.StringVar(&req.Name, "name", "", "Name of the automation case")
	flags.StringVar(&req.ModuleID, "module-id", "", "Module id")
	flags.StringVar(&req.SceneID, "scene-id", "", "Scene id")
	flags.StringVar(&req.Description, "description", "", "Description")
	flags.StringVar(&decision, "decision", "", "Answer the review checkpoint: approve or reject")
	flags.StringVar(&feedback, "feedback", "", "Review feedback")
	flags.StringArrayVar(&sets, "set", nil, "Correct a generated row before approving, as <row>.<field>=<value>"+setTyping)
	_ = cmd.MarkFlagRequired("test-case-id")
	return cmd
}

// ─── watch ───

func newWatchCommand(root *rootOptions) *cobra.Command {
	var ref model.TaskRef
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow an existing workflow until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref.ID = args[0]
			return root.runApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.session.WatchTask(ctx, ref)
				if err != nil {
					return err
				}
				defer view.Close()
				return follow(ctx, a, view, "", "", nil, false)
			})
		},
	}
	cmd.Flags().StringVar(&ref.CorrelationKey, "thread-id", "", "Thread id of the workflow, read from the engine when empty")
	return cmd
}

// ─── review ───

func newReviewCommand(root *rootOptions) *cobra.Command {
	var (
		ref      model.TaskRef
		decision string
		feedback string
		sets     []string
		discard  bool
	)
	cmd := &cobra.Command{
		Use:   "review <task-id>",
		Short: "Approve, correct or reject a workflow waiting for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref.ID = args[0]
			return root.runApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.session.WatchTask(ctx, ref)
				if err != nil {
					return err
				}
				defer view.Close()
				return follow(ctx, a, view, decision, feedback, sets, discard)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&ref.CorrelationKey, "thread-id", "", "Thread id of the workflow, read from the engine when empty")
	flags.StringVar(&decision, "decision", "approve", "approve or reject")
	flags.StringVar(&feedback, "feedback", "", "Review feedback")
	flags.StringArrayVar(&sets, "set", nil, "Correct a generated row, as <row>.<field>=<value>"+setTyping)
	flags.BoolVar(&discard, "discard", false, "Acknowledge that corrections are dropped on reject")
	return cmd
}

// follow waits for the task to settle, answers a review checkpoint when
// decision is set, and prints the task after every settle.
func follow(ctx context.Context, a *app, view *session.TaskView, decision, feedback string, sets []string, discard bool) error {
	answered := false
	for {
		task, err := view.WaitSettled(ctx)
		if err != nil {
			return err
		}
		if err := a.printer.Task(task); err != nil {
			return err
		}
		if task.Status != model.StatusReviewing || decision == "" || answered {
			return nil
		}

		desk, err := view.Review()
		if err != nil {
			return err
		}
		for _, s := range sets {
			key, field, value, err := parseAssignment(s)
			if err != nil {
				return err
			}
			row, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("row %q is not an index: %w", key, model.ErrNotValid)
			}
			if err := desk.SetField(row, field, value); err != nil {
				return err
			}
		}

		switch decision {
		case "approve", string(model.VerdictApproved):
			err = desk.Approve(ctx, feedback)
		case "reject", string(model.VerdictRejected):
			err = desk.Reject(ctx, feedback, discard)
		default:
			return fmt.Errorf("decision %q: %w", decision, model.ErrNotValid)
		}
		if err != nil {
			return err
		}
		answered = true
	}
}

// ─── history ───

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "history <requirement-id>",
		Short: "List past test point generations or show one of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.session.OpenTestPoints(ctx, args[0])
				if err != nil {
					return err
				}
				defer view.Close()

				if version == "" {
					versions := view.Versions()
					latest := ""
					if len(versions) > 0 {
						latest = versions[0].Version
					}
					return a.printer.Versions(versions, latest)
				}
				if err := view.SelectVersion(version); err != nil {
					return err
				}
				records, err := view.Visible(ctx)
				if err != nil {
					return err
				}
				return a.printer.Records(version, view.ReadOnly(), records)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Show the records of this version")
	return cmd
}

// ─── edit ───

func newEditCommand(root *rootOptions) *cobra.Command {
	var (
		sets       []string
		regenerate bool
		feedback   string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "edit <requirement-id>",
		Short: "Edit test points, or regenerate them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runApp(cmd, func(ctx context.Context, a *app) error {
				view, err := a.session.OpenTestPoints(ctx, args[0])
				if err != nil {
					return err
				}
				defer view.Close()

				for _, s := range sets {
					id, field, value, err := parseAssignment(s)
					if err != nil {
						return err
					}
					if err := view.SetField(id, field, value); err != nil {
						return err
					}
				}
				if len(sets) > 0 {
					receipt, err := view.Commit(ctx)
					if err != nil {
						return err
					}
					if err := a.printer.Receipt(receipt); err != nil {
						return err
					}
				}

				if regenerate {
					if err := view.Regenerate(ctx, feedback, force); err != nil {
						return err
					}
					if err := waitMachine(ctx, view.Regeneration()); err != nil {
						return err
					}
					if err := view.Refresh(ctx); err != nil {
						return err
					}
				}
				return a.printer.Records("", false, view.Tracker().Records())
			})
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVar(&sets, "set", nil, "Change a field, as <record-id>.<field>=<value>"+setTyping)
	flags.BoolVar(&regenerate, "regenerate", false, "Regenerate the test points")
	flags.StringVar(&feedback, "feedback", "", "Feedback for the regeneration")
	flags.BoolVar(&force, "force", false, "Regenerate even when the test points are in use")
	return cmd
}

// waitMachine blocks until m finishes or the client stops waiting for it
func waitMachine(ctx context.Context, m *workflow.Machine) error {
	changed := make(chan struct{}, 1)
	unlisten := m.OnTransition(func(workflow.Transition) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unlisten()

	for {
		if m.Task().Status.Terminal() || m.StoppedWaiting() {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseAssignment splits "<key>.<field>=<value>". The value is a string
// unless it starts with a YAML tag such as "!!int 42" or "!!bool false".
func parseAssignment(s string) (key, field string, value any, err error) {
	lhs, raw, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", nil, fmt.Errorf("assignment %q has no '=': %w", s, model.ErrNotValid)
	}
	key, field, ok = strings.Cut(lhs, ".")
	if !ok || key == "" || field == "" {
		return "", "", nil, fmt.Errorf("assignment %q must look like <key>.<field>=<value>: %w", s, model.ErrNotValid)
	}
	if !strings.HasPrefix(raw, "!!") {
		return key, field, raw, nil
	}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return "", "", nil, fmt.Errorf("assignment %q: tagged value: %v: %w", s, err, model.ErrNotValid)
	}
	return key, field, value, nil
}
