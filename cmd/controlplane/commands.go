package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/controlplane/internal/config"
	"github.com/aristath/controlplane/internal/orchestrator"
	"github.com/aristath/controlplane/internal/project"
	"github.com/aristath/controlplane/internal/server"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system health, services, metrics and recent alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st orchestrator.SystemStatus
			if err := newClient().get(cmd.Context(), "/system/status", &st); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), st)
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func alertsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var alerts []orchestrator.Alert
			if err := newClient().get(cmd.Context(), fmt.Sprintf("/system/alerts?limit=%d", limit), &alerts); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), alerts)
			}
			if len(alerts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No alerts.")
				return nil
			}
			renderAlerts(cmd.OutOrStdout(), alerts)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum alerts to show")
	return cmd
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and control projects",
	}
	cmd.AddCommand(projectCreateCmd(), projectShowCmd(), projectActionCmd("pause"), projectActionCmd("resume"))
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var (
		req         server.CreateProjectRequest
		threshold   float64
		maxRetries  int
		maxParallel int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Plan and start a project from a list of requirements",
		Example: `  controlplane project create --description "billing" \
    -r "Set up schema" -r "Build API" -r "Write tests"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(req.Requirements) == 0 {
				return fmt.Errorf("at least one --requirement is needed")
			}
			if threshold != 0 || maxRetries != 0 || maxParallel != 0 {
				req.Config = &server.ProjectConfig{
					MaxConcurrentTasks: maxParallel,
					QualityThreshold:   threshold,
					MaxRetries:         maxRetries,
				}
			}
			var p project.Project
			if err := newClient().post(cmd.Context(), "/projects", req, &p); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s)\n", p.ID, p.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Description, "description", "d", "", "project description")
	cmd.Flags().StringArrayVarP(&req.Requirements, "requirement", "r", nil, "requirement, one task each (repeatable)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "quality threshold in [0,1]")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries per task before the project fails")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "concurrent tasks for this project")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st orchestrator.ProjectStatus
			if err := newClient().get(cmd.Context(), "/projects/"+escape(args[0]), &st); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), st)
			}
			renderProject(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func projectActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: fmt.Sprintf("%s a project", titleCase(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p project.Project
			if err := newClient().post(cmd.Context(), "/projects/"+escape(args[0])+"/"+action, nil, &p); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %s is now %s\n", p.ID, p.Status)
			return nil
		},
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Inspect and restart internal services",
	}

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a service's state, health and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info orchestrator.ServiceInfo
			if err := newClient().get(cmd.Context(), "/services/"+escape(args[0]), &info); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), info)
			}
			renderService(cmd.OutOrStdout(), info)
			return nil
		},
	}

	var reason string
	restart := &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info orchestrator.ServiceInfo
			body := server.RestartRequest{Reason: reason}
			if err := newClient().post(cmd.Context(), "/services/"+escape(args[0])+"/restart", body, &info); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s restarted (%s, %d restarts)\n", info.Name, info.State, info.Restarts)
			return nil
		},
	}
	restart.Flags().StringVar(&reason, "reason", "", "reason recorded with the restart")

	cmd.AddCommand(show, restart)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file to --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}
