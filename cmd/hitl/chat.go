package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"goa.design/hitl/runtime/hitl/approval"
	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/message"
	"goa.design/hitl/runtime/hitl/session"
	"goa.design/hitl/runtime/hitl/telemetry"
	"goa.design/hitl/runtime/hitl/transport"
)

const pollInterval = 100 * time.Millisecond

type console struct {
	sess   *session.Session
	lines  <-chan string
	out    io.Writer
	outDir string

	prompted map[string]bool
	resolved map[string]bool
}

func buildChatCmd() *cobra.Command {
	var (
		url    string
		outDir string
		debug  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a backend, approving tool calls interactively",
		Example: `  hitl chat --url http://localhost:8000
  hitl chat --out-dir ./exports`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), url, outDir, debug, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8000", "Backend base URL")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "Directory where client tools write files")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")
	return cmd
}

func runChat(ctx context.Context, baseURL, outDir string, debug bool, in io.Reader, out io.Writer) error {
	ctx = logContext(ctx, false, debug)
	tel := telemetry.Telemetry{Logger: telemetry.NewClueLogger()}

	var sess *session.Session
	runID := func() string { return sess.CurrentRunID() }
	chat := transport.NewChat(
		transport.NewConnection(baseURL, runID, transport.WithConnectionLogger(tel.Logger)),
		transport.WithChatLogger(tel.Logger),
	)
	sess = session.New(chat, continuation.New(baseURL, runID, continuation.WithTelemetry(tel)), session.WithLogger(tel.Logger))
	chat.SetHandler(sess)

	c := &console{
		sess:     sess,
		lines:    readLines(in),
		out:      out,
		outDir:   outDir,
		prompted: make(map[string]bool),
		resolved: make(map[string]bool),
	}
	return c.run(ctx)
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (c *console) run(ctx context.Context) error {
	for {
		fmt.Fprint(c.out, "> ")
		line, ok := c.read(ctx)
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		before := len(c.sess.Messages())
		done := make(chan error, 1)
		go func() { done <- c.sess.SubmitMessage(ctx, line) }()
		if err := c.follow(ctx, done); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		c.printReplies(before)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *console) read(ctx context.Context) (string, bool) {
	select {
	case line, ok := <-c.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

// follow waits for the turn to end, prompting for approvals and running
// client tools as the run asks for them.
func (c *console) follow(ctx context.Context, done <-chan error) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, p := range c.sess.PendingApprovals() {
			if c.prompted[p.ID] {
				continue
			}
			c.prompted[p.ID] = true
			if err := c.decide(ctx, p); err != nil {
				return err
			}
		}
		if tool, ok := c.sess.PendingClientTool(); ok && !c.resolved[tool.ToolCallID] {
			c.resolved[tool.ToolCallID] = true
			if err := c.runClientTool(ctx, tool); err != nil {
				return err
			}
		}
	}
}

func (c *console) decide(ctx context.Context, p approval.Info) error {
	input, _ := json.Marshal(p.Input)
	fmt.Fprintf(c.out, "\n%s wants to run with %s\napprove? [y/N] ", p.ToolName, input)
	answer, ok := c.read(ctx)
	if !ok {
		return errors.New("input closed while waiting for a decision")
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return c.sess.Approve(ctx, p.ID)
	default:
		return c.sess.Deny(ctx, p.ID)
	}
}

func (c *console) runClientTool(ctx context.Context, tool approval.ClientTool) error {
	result := session.ToolResultPayload{State: continuation.StateOutputAvailable}
	switch tool.ToolName {
	case "export_csv":
		path, rows, err := exportCSV(c.outDir, tool.Input)
		if err != nil {
			result.State = continuation.StateOutputError
			result.ErrorText = err.Error()
			break
		}
		fmt.Fprintf(c.out, "\nwrote %d rows to %s\n", rows, path)
		result.Output = map[string]any{"success": true, "path": path, "rows": rows}
	default:
		result.State = continuation.StateOutputError
		result.ErrorText = fmt.Sprintf("unsupported client tool %q", tool.ToolName)
	}
	return c.sess.ResolveClientTool(ctx, tool.ToolCallID, tool.ToolName, result)
}

func (c *console) printReplies(from int) {
	msgs := c.sess.Messages()
	for _, m := range msgs[min(from, len(msgs)):] {
		if m.Role != message.RoleAssistant {
			continue
		}
		if text := strings.TrimSpace(m.Text()); text != "" {
			fmt.Fprintln(c.out, text)
		}
	}
	if err := c.sess.Err(); err != nil {
		fmt.Fprintf(c.out, "run error: %v\n", err)
	}
}

// exportCSV writes the columns and rows of input to a CSV file in dir.
func exportCSV(dir string, input any) (string, int, error) {
	var spec struct {
		Filename string   `json:"filename"`
		Columns  []string `json:"columns"`
		Rows     [][]any  `json:"rows"`
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", 0, err
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return "", 0, fmt.Errorf("decode export input: %w", err)
	}
	name := filepath.Base(spec.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "export.csv"
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()
	w := csv.NewWriter(f)
	if len(spec.Columns) > 0 {
		if err := w.Write(spec.Columns); err != nil {
			return "", 0, err
		}
	}
	for _, row := range spec.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = fmt.Sprint(v)
		}
		if err := w.Write(record); err != nil {
			return "", 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", 0, err
	}
	return path, len(spec.Rows), nil
}
