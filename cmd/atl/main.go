package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atelier/internal/app"
	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/migrate"
	"atelier/internal/repo"
	"atelier/internal/server"
	"atelier/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "atl",
	Short: "Atelier CLI",
	Long: `Atelier tracks project tasks through an assignee/lead review loop.
Core concepts:
- Workspace: your .atelier directory holding only the database; configs live in the DB and are imported explicitly.
- Project: owns activities, tasks and the review ledger; one lead validates or rejects submitted work.
- Activities: a small planning tree (depth 0-2) whose siblings keep a dense drag-and-drop order.
- Tasks: work items flowing todo -> in_progress -> in_review -> completed, with correction loops on rejection.
- Submissions: the append-only review ledger; validations carry a 1-4 rating, rejections a mandatory comment.
- Event log: diary of changes, view with 'atl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ATELIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, leadID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			if leadID == "" {
				leadID = viper.GetString("actor-id")
			}
			p, err := e.InitProject(cmd.Context(), id, name, leadID)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&leadID, "lead-id", "", "project lead actor id (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ATELIER_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set ATELIER_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The project scoreboard: who leads it and how many tasks sit in each status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":  p.ID,
						"lead_id":     p.LeadID,
						"task_counts": counts,
					})
				}
				fmt.Printf("Project: %s (lead: %s)\n", p.ID, p.LeadID)
				fmt.Println("Tasks:")
				for _, status := range domain.TaskStatuses {
					if c, ok := counts[status]; ok {
						fmt.Printf("  %s: %d\n", status, c)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage activities",
		Long:  "Activities form a small planning tree (at most three levels). Siblings keep a dense order; 'atl activity reorder' drags one onto another within the same parent.",
	}
	act.AddCommand(activityAddCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityTreeCmd())
	act.AddCommand(activityUpdateCmd())
	act.AddCommand(activityDeleteCmd())
	act.AddCommand(activityReorderCmd())
	return act
}

func activityAddCmd() *cobra.Command {
	var opts engine.ActivityCreateOptions
	var description, parent, startsOn, endsOn string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Description = optionalString(description)
			opts.ParentID = optionalString(parent)
			opts.StartsOn = optionalString(startsOn)
			opts.EndsOn = optionalString(endsOn)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				a, err := e.CreateActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "activity id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&parent, "parent", "", "parent activity id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	cmd.Flags().StringVar(&startsOn, "starts-on", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endsOn, "ends-on", "", "end date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func activityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activities in tree order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Depth", "Order", "Parent"})
				for _, a := range items {
					parent := ""
					if a.ParentID != nil {
						parent = *a.ParentID
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Depth, a.OrderIndex, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func activityTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the activity tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActivities(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				children := map[string][]domain.Activity{}
				var roots []domain.Activity
				for _, a := range items {
					if a.ParentID != nil {
						children[*a.ParentID] = append(children[*a.ParentID], a)
					} else {
						roots = append(roots, a)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Activity domain.Activity `json:"activity"`
						Children []Node          `json:"children,omitempty"`
					}
					var build func(a domain.Activity) Node
					build = func(a domain.Activity) Node {
						var childNodes []Node
						for _, c := range children[a.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Activity: a, Children: childNodes}
					}
					var nodes []Node
					for _, r := range roots {
						nodes = append(nodes, build(r))
					}
					return printJSON(nodes)
				}
				for i, r := range roots {
					printActivityTree(r, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func activityUpdateCmd() *cobra.Command {
	var name, description, status, startsOn, endsOn string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ActivityUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = optionalString(description)
				opts.DescriptionSet = true
			}
			if cmd.Flags().Changed("status") {
				opts.Status = &status
			}
			if cmd.Flags().Changed("starts-on") {
				opts.StartsOn = optionalString(startsOn)
				opts.StartsOnSet = true
			}
			if cmd.Flags().Changed("ends-on") {
				opts.EndsOn = optionalString(endsOn)
				opts.EndsOnSet = true
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&description, "description", "", "description (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&startsOn, "starts-on", "", "start date (empty clears)")
	cmd.Flags().StringVar(&endsOn, "ends-on", "", "end date (empty clears)")
	return cmd
}

func activityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an activity and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteActivity(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func activityReorderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder <dragged-id> <target-id>",
		Short: "Move an activity to a sibling's position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				siblings, err := e.ReorderActivities(ctx, engine.ReorderOptions{
					ProjectID: e.Config.Project.ID,
					DraggedID: args[0],
					TargetID:  args[1],
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(siblings)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow todo -> in_progress -> in_review -> completed. The assignee starts and submits; the lead validates (with a 1-4 rating) or rejects back to correction.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskUnassignCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskValidateCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var description, activityID, parentTask, compartment, startsOn, dueOn string
	var estimated float64
	var assignees []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Description = optionalString(description)
			opts.ActivityID = optionalString(activityID)
			opts.ParentTaskID = optionalString(parentTask)
			opts.Compartment = optionalString(compartment)
			opts.StartsOn = optionalString(startsOn)
			opts.DueOn = optionalString(dueOn)
			opts.Assignees = assignees
			if cmd.Flags().Changed("estimated-hours") {
				opts.EstimatedHours = &estimated
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id to link")
	cmd.Flags().StringVar(&parentTask, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&compartment, "compartment", "", "compartment")
	cmd.Flags().StringVar(&startsOn, "starts-on", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dueOn, "due-on", "", "due date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "estimated hours")
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee actor id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignees", "Activity"})
				for _, t := range tasks {
					activity := ""
					if t.ActivityID != nil {
						activity = *t.ActivityID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, strings.Join(t.Assignees, ","), activity})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ActivityID, "activity", "", "activity filter")
	cmd.Flags().BoolVar(&f.Unlinked, "unlinked", false, "only tasks without an activity")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Compartment, "compartment", "", "compartment filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, activityID, priority, compartment, startsOn, dueOn string
	var estimated, actual float64
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields (status changes go through lifecycle commands)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{
				ID:      args[0],
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = optionalString(description)
				opts.DescriptionSet = true
			}
			if cmd.Flags().Changed("activity") {
				opts.ActivityID = optionalString(activityID)
				opts.ActivitySet = true
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("compartment") {
				opts.Compartment = optionalString(compartment)
				opts.CompartmentSet = true
			}
			if cmd.Flags().Changed("starts-on") {
				opts.StartsOn = optionalString(startsOn)
				opts.StartsOnSet = true
			}
			if cmd.Flags().Changed("due-on") {
				opts.DueOn = optionalString(dueOn)
				opts.DueOnSet = true
			}
			if cmd.Flags().Changed("estimated-hours") {
				opts.EstimatedHours = &estimated
				opts.EstimatedHoursSet = true
			}
			if cmd.Flags().Changed("actual-hours") {
				opts.ActualHours = &actual
				opts.ActualHoursSet = true
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &expectedVersion
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description (empty clears)")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id (empty unlinks)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&compartment, "compartment", "", "compartment (empty clears)")
	cmd.Flags().StringVar(&startsOn, "starts-on", "", "start date (empty clears)")
	cmd.Flags().StringVar(&dueOn, "due-on", "", "due date (empty clears)")
	cmd.Flags().Float64Var(&estimated, "estimated-hours", 0, "estimated hours")
	cmd.Flags().Float64Var(&actual, "actual-hours", 0, "actual hours")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic concurrency check")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Add an assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0], actor, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id to assign")
	return cmd
}

func taskUnassignCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "unassign <id>",
		Short: "Remove an assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UnassignTask(ctx, args[0], actor, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id to remove")
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a task (assignee)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTask(ctx, engine.StartOptions{
					TaskID:  args[0],
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var comment, clientToken string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit work for review (assignee)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SubmitOptions{
				TaskID:      args[0],
				ActorID:     viper.GetString("actor-id"),
				ClientToken: clientToken,
			}
			if cmd.Flags().Changed("comment") {
				opts.Comment = &comment
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, sub, err := e.SubmitTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "submission": sub})
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "submission comment")
	cmd.Flags().StringVar(&clientToken, "client-token", "", "idempotency token")
	return cmd
}

func taskValidateCmd() *cobra.Command {
	var rating int
	var comment, clientToken string
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Validate submitted work (lead, rating 1-4)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ValidateOptions{
				TaskID:      args[0],
				ActorID:     viper.GetString("actor-id"),
				Rating:      rating,
				ClientToken: clientToken,
			}
			if cmd.Flags().Changed("comment") {
				opts.Comment = &comment
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, sub, err := e.ValidateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "submission": sub})
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-4 (1=Mauvais, 4=Excellent)")
	cmd.Flags().StringVar(&comment, "comment", "", "validation comment")
	cmd.Flags().StringVar(&clientToken, "client-token", "", "idempotency token")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var comment, clientToken string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject submitted work back to correction (lead)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, sub, err := e.RejectTask(ctx, engine.RejectOptions{
					TaskID:      args[0],
					ActorID:     viper.GetString("actor-id"),
					Comment:     comment,
					ClientToken: clientToken,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "submission": sub})
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "rejection comment (required)")
	cmd.Flags().StringVar(&clientToken, "client-token", "", "idempotency token")
	_ = cmd.MarkFlagRequired("comment")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task (lead)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, engine.CancelOptions{
					TaskID:  args[0],
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{
		Use:   "submission",
		Short: "Inspect the review ledger",
		Long:  "The ledger is append-only: every submit, validate and reject leaves an entry that is never edited.",
	}
	sub.AddCommand(submissionListCmd())
	sub.AddCommand(submissionFilesCmd())
	return sub
}

func submissionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List ledger entries for a task, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSubmissions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Actor", "Rating", "Comment", "At"})
				for _, s := range items {
					rating := ""
					if s.Rating != nil {
						rating = fmt.Sprintf("%d (%s)", *s.Rating, domain.RatingLabels[*s.Rating])
					}
					comment := ""
					if s.Comment != nil {
						comment = *s.Comment
					}
					tw.AppendRow(table.Row{s.ID, s.Type, s.ActorID, rating, comment, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func submissionFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files <task-id>",
		Short: "List all attachments across a task's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				files, err := e.TaskFiles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(files)
			})
		},
	}
	return cmd
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Manage project members"}
	mem.AddCommand(memberAddCmd())
	mem.AddCommand(memberListCmd())
	return mem
}

func memberAddCmd() *cobra.Command {
	var actor, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member to the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMember(ctx, e.Config.Project.ID, actor, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "member", "role (lead, member)")
	return cmd
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "atl_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       rec.ID,
					"actor_id": rec.ActorID,
					"key":      key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: activity edits, reorders, lifecycle transitions and membership changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ATELIER_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ATELIER_JWT_SECRET is required for bearer auth")
			}
			var store *storage.Store
			if cfg.Storage.Endpoint != "" {
				store, err = storage.New(storage.Config{
					Endpoint:  cfg.Storage.Endpoint,
					AccessKey: cfg.Storage.AccessKey,
					SecretKey: cfg.Storage.SecretKey,
					Bucket:    cfg.Storage.Bucket,
					UseSSL:    cfg.Storage.UseSSL,
				})
				if err != nil {
					return err
				}
				if err := store.EnsureBucket(cmd.Context()); err != nil {
					return err
				}
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Store: store})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Atelier API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func printActivityTree(a domain.Activity, children map[string][]domain.Activity, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%d]\n", prefix, connector, a.Name, a.OrderIndex)
	for i, c := range children[a.ID] {
		printActivityTree(c, children, newPrefix, i == len(children[a.ID])-1)
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
