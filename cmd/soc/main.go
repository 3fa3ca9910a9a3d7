// Command soc is the CLI client for socd's local HTTP control plane.
// Exit codes follow spec.md §6: 0 success, 1 user error (bad identifier,
// validation), 2 backend unavailable.
//
// Grounded on the teacher's cmd/agent-deck subcommand layout (one cobra
// command per operator action) and grovetools-core's cli.NewStandardCommand
// convention for a persistent --addr/--json flag pair, adapted to the
// SOC's own JSON wire shapes instead of a config-file-driven CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/relaysoc/soc/internal/config"
	"github.com/spf13/cobra"
)

// exit codes per spec.md §6.
const (
	exitOK             = 0
	exitUserError      = 1
	exitBackendDown    = 2
)

type cliError struct {
	code int
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func userErr(format string, args ...any) *cliError {
	return &cliError{code: exitUserError, msg: fmt.Sprintf(format, args...)}
}

func backendErr(format string, args ...any) *cliError {
	return &cliError{code: exitBackendDown, msg: fmt.Sprintf(format, args...)}
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if ce, ok := err.(*cliError); ok {
			fmt.Fprintln(os.Stderr, ce.msg)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUserError)
	}
}

func newRootCommand() *cobra.Command {
	var addr string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:           "soc",
		Short:         "operator CLI for the Session Orchestration Core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "socd control plane address (default from config.toml)")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON responses")

	client := func() *apiClient {
		a := addr
		if a == "" {
			cfg, err := config.Load()
			if err == nil && cfg.HTTPAddr != "" {
				a = cfg.HTTPAddr
			} else {
				a = "127.0.0.1:8787"
			}
		}
		return &apiClient{base: "http://" + a, httpc: &http.Client{Timeout: 10 * time.Second}, jsonOut: jsonOut}
	}

	cmd.AddCommand(
		newListCommand(client),
		newGetCommand(client),
		newCreateCommand(client),
		newInputCommand(client),
		newKeyCommand(client),
		newKillCommand(client),
		newHandoffCommand(client),
		newOutputCommand(client),
		newWatchCommand(client),
	)
	return cmd
}

// apiClient is a thin wrapper over socd's HTTP control plane.
type apiClient struct {
	base    string
	httpc   *http.Client
	jsonOut bool
}

func (c *apiClient) do(method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, userErr("encode request: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, 0, userErr("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, backendErr("backend unavailable: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, backendErr("read response: %v", err)
	}
	return data, resp.StatusCode, nil
}

// apiError mirrors internal/httpapi's JSON error body shape.
type apiErrorBody struct {
	Error string `json:"error"`
}

func (c *apiClient) request(verb, method, path string, body any, out any) error {
	data, status, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		var ae apiErrorBody
		_ = json.Unmarshal(data, &ae)
		reason := ae.Error
		if reason == "" {
			reason = string(data)
		}
		if status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusBadRequest {
			return userErr("%s failed: %s", verb, reason)
		}
		return backendErr("%s failed: %s", verb, reason)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return backendErr("decode response: %v", err)
		}
	}
	if c.jsonOut {
		fmt.Println(string(data))
	}
	return nil
}

func newListCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var sessions []map[string]any
			if err := c.request("list", "GET", "/sessions", nil, &sessions); err != nil {
				return err
			}
			if !c.jsonOut {
				for _, s := range sessions {
					fmt.Printf("%v\t%v\t%v\t%v\n", s["id"], s["provider"], s["status"], s["friendly_name"])
				}
			}
			return nil
		},
	}
}

func newGetCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "show a single session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var sess map[string]any
			if err := c.request("get", "GET", "/sessions/"+args[0], nil, &sess); err != nil {
				return err
			}
			if !c.jsonOut {
				for k, v := range sess {
					fmt.Printf("%s: %v\n", k, v)
				}
			}
			return nil
		},
	}
}

func newCreateCommand(client func() *apiClient) *cobra.Command {
	var provider, workingDir, parentID, friendlyName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" || workingDir == "" {
				return userErr("create failed: --provider and --working-dir are required")
			}
			c := client()
			var sess map[string]any
			body := map[string]any{
				"provider":      provider,
				"working_dir":   workingDir,
				"parent_id":     parentID,
				"friendly_name": friendlyName,
			}
			if err := c.request("create", "POST", "/sessions", body, &sess); err != nil {
				return err
			}
			if !c.jsonOut {
				fmt.Println(sess["id"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "claude_tmux, codex_tmux, or codex_app")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "working directory for the new pane")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent session id")
	cmd.Flags().StringVar(&friendlyName, "name", "", "friendly name")
	return cmd
}

func newInputCommand(client func() *apiClient) *cobra.Command {
	var mode, parentID string
	var notifyOnStop bool
	cmd := &cobra.Command{
		Use:   "input <id> <text>",
		Short: "send input to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			text := args[1]
			for _, a := range args[2:] {
				text += " " + a
			}
			body := map[string]any{
				"text":           text,
				"mode":           mode,
				"parent_id":      parentID,
				"notify_on_stop": notifyOnStop,
			}
			return c.request("input", "POST", "/sessions/"+args[0]+"/input", body, nil)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "sequential", "sequential, important, or urgent")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent session id for reminders")
	cmd.Flags().BoolVar(&notifyOnStop, "notify-on-stop", false, "watch for the next idle transition")
	return cmd
}

func newKeyCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "key <id> <cancel|submit>",
		Short: "send a low-level key to a session's pane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			return c.request("key", "POST", "/sessions/"+args[0]+"/key", map[string]string{"key": args[1]}, nil)
		},
	}
}

func newKillCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "stop a session and tear down its pane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			return c.request("kill", "DELETE", "/sessions/"+args[0], nil, nil)
		},
	}
}

func newHandoffCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "handoff <id> <continuation-path>",
		Short: "reset a session's context and re-prime it from a continuation file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			body := map[string]string{"continuation_path": args[1]}
			return c.request("handoff", "POST", "/sessions/"+args[0]+"/handoff", body, nil)
		},
	}
}

func newOutputCommand(client func() *apiClient) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "output <id>",
		Short: "show a session's recent pane output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var out struct {
				Lines []string `json:"lines"`
			}
			path := fmt.Sprintf("/sessions/%s/output?lines=%d", args[0], lines)
			if err := c.request("output", "GET", path, nil, &out); err != nil {
				return err
			}
			if !c.jsonOut {
				for _, l := range out.Lines {
					fmt.Println(l)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing lines to show")
	return cmd
}

func newWatchCommand(client func() *apiClient) *cobra.Command {
	var timeoutS int
	cmd := &cobra.Command{
		Use:   "watch <target> <observer>",
		Short: "register a one-shot idle/timeout watch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			body := map[string]any{
				"target":    args[0],
				"observer":  args[1],
				"timeout_s": timeoutS,
			}
			return c.request("watch", "POST", "/watch", body, nil)
		},
	}
	cmd.Flags().IntVar(&timeoutS, "timeout", 300, "timeout in seconds")
	return cmd
}
