package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/philiporange/supervisor/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(),
		createServiceCommand(),
		createCronCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "supervisor",
		Short: "Single-host service and cron supervisor",
		Long: `Supervisor keeps long-running services alive, runs cron jobs, records
resource usage and repairs failing code with an external agent.

Examples:
  supervisor serve --config=supervisor.toml
  supervisor status
  supervisor service restart web
  supervisor cron tick          # call once a minute from the system crontab
  supervisor cron validate "*/5 * * * *"`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "supervisor API URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", timeout, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor",
		Long: `Run the supervisor: start enabled services, watch them, collect metrics,
run the auto-fixer and serve the HTTP API until interrupted.

Examples:
  supervisor serve
  supervisor serve --config=/etc/supervisor.toml --daemonize --pidfile=/run/supervisor.pid`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(*serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout and stderr to file")
	return cmd
}

func createStatusCommand() *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show services and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStatus(cmd.Context(), cmd.OutOrStdout(), newClient(*f))
		},
	}
	addAPIFlags(cmd, f, 10*time.Second)
	return cmd
}

func createServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Control services",
	}
	for _, action := range []string{"start", "stop", "restart"} {
		f := &ServiceFlags{}
		sub := &cobra.Command{
			Use:   action + " <name>",
			Short: fmt.Sprintf("%s a service", action),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cmdServiceAction(cmd.Context(), cmd.OutOrStdout(), newClient(f.APIFlags), action, args[0])
			},
		}
		addAPIFlags(sub, &f.APIFlags, 60*time.Second)
		cmd.AddCommand(sub)
	}

	f := &ServiceFlags{}
	var wait time.Duration
	fix := &cobra.Command{
		Use:   "fix <name>",
		Short: "Ask the agent to repair a service",
		Long: `Start a manual fix for a service. Without --description the recent error
output of the service is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdFix(cmd.Context(), cmd.OutOrStdout(), newClient(f.APIFlags), args[0], f.Description, wait)
		},
	}
	fix.Flags().StringVar(&f.Description, "description", "", "describe the problem")
	fix.Flags().DurationVar(&wait, "wait", 0, "poll the fix job at this interval until it finishes")
	addAPIFlags(fix, &f.APIFlags, 10*time.Second)
	cmd.AddCommand(fix)
	return cmd
}

func createCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron job commands",
	}

	tickFlags := &CronFlags{}
	tick := &cobra.Command{
		Use:   "tick",
		Short: "Run every due cron job",
		Long: `Run every due cron job and wait for them to finish. Intended to be called
once a minute, e.g. from the system crontab:

  * * * * * supervisor cron tick`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdTick(cmd.Context(), cmd.OutOrStdout(), newClient(tickFlags.APIFlags))
		},
	}
	addAPIFlags(tick, &tickFlags.APIFlags, time.Hour)

	runFlags := &CronFlags{}
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Run one cron job now and print its execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRunCron(cmd.Context(), cmd.OutOrStdout(), newClient(runFlags.APIFlags), args[0])
		},
	}
	addAPIFlags(run, &runFlags.APIFlags, time.Hour)

	validateFlags := &CronFlags{}
	validate := &cobra.Command{
		Use:   "validate <expression>",
		Short: "Check a cron expression and list its next runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdValidate(cmd.OutOrStdout(), args[0], validateFlags.Count, time.Now())
		},
	}
	validate.Flags().IntVar(&validateFlags.Count, "count", 5, "number of upcoming runs to show")

	cmd.AddCommand(tick, run, validate)
	return cmd
}
