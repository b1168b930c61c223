package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"piper-nodes/internal/config"
	"piper-nodes/internal/node"
	"piper-nodes/internal/nodes"
	"piper-nodes/internal/runner"
	"piper-nodes/pkg/logger"
	"piper-nodes/sdk/go/piper"
)

var (
	rootCmd = &cobra.Command{
		Use:           "piper",
		Short:         "Run generative-AI nodes locally or through piperd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run [node]",
		Short: "Runs a node in-process until it finishes",
		Long:  `Invokes the node with credentials from the environment (or PIPER_CONFIG) and keeps polling until the provider returns a result.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runNodeCommand,
	}
	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "Lists the built-in nodes",
		Args:  cobra.NoArgs,
		RunE:  listNodesCommand,
	}
	submitCmd = &cobra.Command{
		Use:   "submit [node]",
		Short: "Submits a durable job to piperd",
		Args:  cobra.ExactArgs(1),
		RunE:  submitJobCommand,
	}
	getCmd = &cobra.Command{
		Use:   "get [job-id]",
		Short: "Shows a job stored by piperd",
		Args:  cobra.ExactArgs(1),
		RunE:  getJobCommand,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Shows job counts by status",
		Args:  cobra.NoArgs,
		RunE:  statsCommand,
	}

	inputPairs  []string
	inputsJSON  string
	maxAttempts int
	quiet       bool

	daemonAddr   string
	apiToken     string
	jobID        string
	maxPolls     int
	waitForJob   bool
	waitInterval time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, submitCmd} {
		cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "node input as key=value (repeatable)")
		cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "node inputs as a JSON object, or @path to a JSON file")
	}
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum number of polls before giving up (0 uses the node's budget)")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")

	for _, cmd := range []*cobra.Command{submitCmd, getCmd, statsCmd} {
		cmd.Flags().StringVar(&daemonAddr, "addr", envOr("PIPER_ADDR", "http://127.0.0.1:8080"), "piperd address")
		cmd.Flags().StringVar(&apiToken, "token", envOr("PIPER_TOKEN", ""), "bearer token for piperd")
	}
	submitCmd.Flags().StringVar(&jobID, "id", "", "idempotency key for the job")
	submitCmd.Flags().IntVar(&maxPolls, "max-polls", 0, "poll ceiling for the job (0 uses the daemon default)")
	submitCmd.Flags().BoolVarP(&waitForJob, "wait", "w", false, "wait until the job finishes")
	submitCmd.Flags().DurationVar(&waitInterval, "interval", time.Second, "status poll interval used with --wait")

	rootCmd.AddCommand(runCmd, nodesCmd, submitCmd, getCmd, statsCmd)
}

func runNodeCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := nodes.Default(cfg.Providers.NodeOptions())
	def, ok := registry.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown node %q, see `piper nodes`", args[0])
	}
	inputs, err := parseInputs(inputPairs, inputsJSON)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := node.Env{Variables: cfg.Credentials.Variables, Scope: cfg.Credentials.Scope}
	attempts := maxAttempts
	if attempts <= 0 {
		attempts = def.PollBudget()
	}
	opts := []runner.Option{runner.WithMaxAttempts(attempts)}
	if !quiet {
		opts = append(opts, runner.WithObserver(progressPrinter(cmd.ErrOrStderr())))
	}
	next, err := runner.Run(ctx, def.Run, env, inputs, opts...)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), next)
}

func progressPrinter(w io.Writer) runner.Observer {
	return func(attempt int, sig node.Signal) {
		repeat, ok := sig.(node.Repeat)
		if !ok {
			return
		}
		if repeat.Progress != nil {
			fmt.Fprintf(w, "polling %d/%d, next check in %s\n", repeat.Progress.Processed, repeat.Progress.Total, repeat.Delay)
			return
		}
		fmt.Fprintf(w, "poll %d, next check in %s\n", attempt+1, repeat.Delay)
	}
}

func listNodesCommand(cmd *cobra.Command, _ []string) error {
	registry := nodes.Default(nodes.Options{})
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROVIDER\tCREDENTIALS\tDESCRIPTION")
	for _, def := range registry.All() {
		creds := append([]string(nil), def.Credentials...)
		sort.Strings(creds)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Name, def.Provider, strings.Join(creds, ","), def.Description)
	}
	return tw.Flush()
}

func submitJobCommand(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient()
	if err != nil {
		return err
	}
	inputs, err := parseInputs(inputPairs, inputsJSON)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	job, err := client.SubmitJob(ctx, piper.Submission{
		ID:       jobID,
		Node:     args[0],
		Inputs:   inputs,
		MaxPolls: maxPolls,
	})
	if err != nil {
		return err
	}
	if !waitForJob {
		return printJSON(cmd.OutOrStdout(), job)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	last := ""
	job, err = client.WaitJob(ctx, job.ID, waitInterval, func(j piper.Job) {
		line := j.Status
		if j.Progress != nil {
			line = fmt.Sprintf("%s %d/%d", j.Status, j.Progress.Processed, j.Progress.Total)
		}
		if line != last {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", j.ID, line)
			last = line
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if perr := printJSON(cmd.OutOrStdout(), job); perr != nil {
		return perr
	}
	if job.Status == piper.StatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.LastError)
	}
	return err
}

func getJobCommand(cmd *cobra.Command, args []string) error {
	client, err := newDaemonClient()
	if err != nil {
		return err
	}
	job, err := client.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func statsCommand(cmd *cobra.Command, _ []string) error {
	client, err := newDaemonClient()
	if err != nil {
		return err
	}
	stats, err := client.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func newDaemonClient() (*piper.Client, error) {
	client, err := piper.NewClient(daemonAddr, nil)
	if err != nil {
		return nil, err
	}
	return client.WithToken(apiToken), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
