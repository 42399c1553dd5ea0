package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nomis52/tenantflow/buildinfo"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/server/handlers"
)

const envPrefix = "FLOWCTL"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Start and manage tenantflow workflow executions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config %s: %w", path, err)
				}
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a flowctl config file")
	flags.String("server", "http://localhost:8080", "tenantflow server address")
	flags.String("tenant", "", "Tenant to act for")
	flags.String("tenant-header", "", "Header carrying the tenant (default X-Tenant-ID)")
	flags.String("token-url", "", "OAuth2 token endpoint; enables client credentials authentication")
	flags.String("client-id", "", "OAuth2 client ID")
	flags.String("client-secret", "", "OAuth2 client secret")
	flags.StringSlice("scopes", nil, "OAuth2 scopes to request")
	flags.Duration("timeout", 2*time.Minute, "HTTP request timeout")
	_ = v.BindPFlags(flags)

	connect := func(cmd *cobra.Command) (*apiClient, error) {
		return newAPIClient(cmd.Context(), settings{
			Server:       v.GetString("server"),
			Tenant:       v.GetString("tenant"),
			TenantHeader: v.GetString("tenant-header"),
			TokenURL:     v.GetString("token-url"),
			ClientID:     v.GetString("client-id"),
			ClientSecret: v.GetString("client-secret"),
			Scopes:       v.GetStringSlice("scopes"),
			Timeout:      v.GetDuration("timeout"),
		})
	}

	root.AddCommand(
		newStartCmd(connect),
		newGetCmd(connect),
		newListCmd(connect),
		newResultCmd(connect),
		newSignalCmd(connect),
		newCancelCmd(connect),
		newCompleteCmd(connect),
		newLogsCmd(connect),
		newWorkflowsCmd(connect),
		newVersionCmd(),
	)
	return root
}

type connectFunc func(*cobra.Command) (*apiClient, error)

func newStartCmd(connect connectFunc) *cobra.Command {
	var (
		version  int
		input    string
		wait     time.Duration
		tenantID string
	)
	cmd := &cobra.Command{
		Use:   "start WORKFLOW_TYPE",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			payload, err := parsePayload(input)
			if err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}
			req := handlers.StartRequest{
				WorkflowType: args[0],
				Version:      version,
				TenantID:     tenantID,
				Input:        payload,
			}
			if wait > 0 {
				req.Wait = wait.String()
			}
			var resp handlers.StartResponse
			if _, err := c.do(cmd.Context(), http.MethodPost, "/api/v1/executions", nil, req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Workflow version (default the active version)")
	cmd.Flags().StringVar(&input, "input", "", "Input as a JSON object, or @file to read it from a file")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the execution to finish")
	cmd.Flags().StringVar(&tenantID, "for-tenant", "", "Tenant the execution belongs to (must match the caller)")
	return cmd
}

func newGetCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get EXECUTION_ID",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			var resp json.RawMessage
			if _, err := c.do(cmd.Context(), http.MethodGet, executionPath(args[0]), nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newListCmd(connect connectFunc) *cobra.Command {
	var (
		workflowType string
		statuses     []string
		active       bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			q := url.Values{}
			if workflowType != "" {
				q.Set("workflow_type", workflowType)
			}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			if active {
				q.Set("active", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp handlers.ListResponse
			if _, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/executions", q, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&workflowType, "workflow", "", "Only executions of this workflow type")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only executions in these statuses")
	cmd.Flags().BoolVar(&active, "active", false, "Only executions that have not finished")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of executions")
	return cmd
}

func newResultCmd(connect connectFunc) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "result EXECUTION_ID",
		Short: "Wait for an execution to finish and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			q := url.Values{}
			if timeout > 0 {
				q.Set("timeout", timeout.String())
			}
			var resp handlers.StartResponse
			status, err := c.do(cmd.Context(), http.MethodGet, executionPath(args[0], "result"), q, nil, &resp)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if status == http.StatusAccepted {
				return fmt.Errorf("execution %s is still %s", args[0], resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait (capped by the server)")
	return cmd
}

func newSignalCmd(connect connectFunc) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "signal EXECUTION_ID SIGNAL",
		Short: "Deliver a signal to an execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			p, err := parsePayload(payload)
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			var resp handlers.AcceptedResponse
			req := handlers.SignalRequest{Name: args[1], Payload: p}
			if _, err := c.do(cmd.Context(), http.MethodPost, executionPath(args[0], "signal"), nil, req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "Signal payload as a JSON object, or @file")
	return cmd
}

func newCancelCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			var resp handlers.AcceptedResponse
			if _, err := c.do(cmd.Context(), http.MethodPost, executionPath(args[0], "cancel"), nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newCompleteCmd(connect connectFunc) *cobra.Command {
	var (
		attempt   int
		output    string
		errorKind string
		errorMsg  string
	)
	cmd := &cobra.Command{
		Use:   "complete EXECUTION_ID STEP",
		Short: "Report the outcome of an activity that finishes outside the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			out, err := parsePayload(output)
			if err != nil {
				return fmt.Errorf("invalid output: %w", err)
			}
			req := handlers.CompleteRequest{Step: args[1], Attempt: attempt, Output: out}
			if errorMsg != "" || errorKind != "" {
				req.Error = &handlers.CompletionError{Kind: errorKind, Message: errorMsg}
			}
			if _, err := c.do(cmd.Context(), http.MethodPost, executionPath(args[0], "complete"), nil, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %s attempt %d\n", args[1], attempt)
			return nil
		},
	}
	cmd.Flags().IntVar(&attempt, "attempt", 1, "Attempt being completed")
	cmd.Flags().StringVar(&output, "output", "", "Step output as a JSON object, or @file")
	cmd.Flags().StringVar(&errorKind, "error-kind", "", "Failure kind when the attempt failed")
	cmd.Flags().StringVar(&errorMsg, "error", "", "Failure message when the attempt failed")
	return cmd
}

func newLogsCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "logs EXECUTION_ID",
		Short: "Print the captured logs of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			var resp handlers.LogsResponse
			if _, err := c.do(cmd.Context(), http.MethodGet, executionPath(args[0], "logs"), nil, nil, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range resp.Logs {
				fmt.Fprintf(w, "%s %-5s %s", e.Time.Format(time.RFC3339), e.Level, e.Message)
				for _, k := range slices.Sorted(maps.Keys(e.Attributes)) {
					fmt.Fprintf(w, " %s=%v", k, e.Attributes[k])
				}
				fmt.Fprintln(w)
			}
			if resp.Dropped > 0 {
				fmt.Fprintf(w, "(%d older entries dropped)\n", resp.Dropped)
			}
			return nil
		},
	}
}

func newWorkflowsCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List the deployed workflow types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			var resp handlers.WorkflowsResponse
			if _, err := c.do(cmd.Context(), http.MethodGet, "/api/v1/workflows", nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flowctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Get().String())
		},
	}
}

// parsePayload parses a JSON object. A leading @ names a file to read it
// from; an empty string is a nil payload.
func parsePayload(s string) (execution.Payload, error) {
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var p execution.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
