package oracle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FilePlaceholder in CLI arguments is replaced with the path of a temporary
// copy of the document.
const FilePlaceholder = "{file}"

// CLIOracle runs a local command. The prompt goes to stdin and the command's
// stdout is the raw response.
type CLIOracle struct {
	command string
	args    []string
}

// NewCLIOracle returns an oracle running command with args.
func NewCLIOracle(command string, args []string) *CLIOracle {
	return &CLIOracle{command: command, args: args}
}

// Complete writes the document to a temp file, runs the command and returns
// its stdout.
func (c *CLIOracle) Complete(ctx context.Context, call Call) (string, error) {
	if c.command == "" {
		return "", fmt.Errorf("CLIOracle.Complete: no command configured")
	}

	dir, err := os.MkdirTemp("", "statement-ingest-")
	if err != nil {
		return "", fmt.Errorf("CLIOracle.Complete: creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(call.File.Filename)
	if name == "" || name == "." || name == "/" {
		name = "statement"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, call.File.Data, 0o600); err != nil {
		return "", fmt.Errorf("CLIOracle.Complete: writing temp file: %w", err)
	}

	args := make([]string, len(c.args))
	hasPlaceholder := false
	for i, a := range c.args {
		if strings.Contains(a, FilePlaceholder) {
			hasPlaceholder = true
		}
		args[i] = strings.ReplaceAll(a, FilePlaceholder, path)
	}
	if !hasPlaceholder {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stdin = strings.NewReader(call.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return stdout.String(), fmt.Errorf("CLIOracle.Complete: running %s: %w (stderr: %s)", c.command, err, msg)
	}
	return stdout.String(), nil
}
