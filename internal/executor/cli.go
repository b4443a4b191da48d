package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pkarath/dirigent/internal/task"
)

// CLIConfig configures a subprocess-backed executor.
type CLIConfig struct {
	Command      string // CLI binary (e.g. "claude")
	Args         []string
	WorkDir      string
	Model        string
	SystemPrompt string
	SessionID    string
}

// CLIExecutor runs a specialist as a one-shot CLI subprocess per work
// unit, in the style of headless coding-agent CLIs: prompt in, JSON out.
// Convention directives received after dispatch are queued and folded
// into the prompt if execution has not started yet; once the subprocess
// is running they are carried in the session for any follow-up call.
type CLIExecutor struct {
	cfg       CLIConfig
	sessionID string
	procMgr   *ProcessManager

	mu     sync.Mutex
	queued []string
}

// NewCLIExecutor creates a CLI executor. A missing SessionID gets a fresh
// UUID; a missing WorkDir defaults to the current directory. procMgr may
// be nil, in which case subprocesses are not tracked for shutdown.
func NewCLIExecutor(cfg CLIConfig, procMgr *ProcessManager) (*CLIExecutor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("cli executor requires a command")
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	return &CLIExecutor{cfg: cfg, sessionID: sessionID, procMgr: procMgr}, nil
}

// Execute runs the subprocess and parses its final JSON output as a
// handoff or signal.
func (e *CLIExecutor) Execute(ctx context.Context, unit task.WorkUnit, directives []string) (*Outcome, error) {
	e.mu.Lock()
	all := append(append([]string(nil), directives...), e.queued...)
	e.queued = nil
	e.mu.Unlock()

	prompt := buildPrompt(unit, all)
	args := e.buildArgs(prompt)

	cmd := newCommand(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.WorkDir

	stdout, stderr, err := runCommand(ctx, cmd, e.procMgr)
	if err != nil {
		return &Outcome{Raw: string(stdout)}, fmt.Errorf("%s failed: %w", e.cfg.Command, err)
	}

	outcome, err := ParseOutcome(lastJSONObject(stdout))
	if err != nil {
		return &Outcome{Raw: string(stdout)}, fmt.Errorf("parsing %s output: %w (stderr: %s)", e.cfg.Command, err, strings.TrimSpace(string(stderr)))
	}
	return outcome, nil
}

// ReceiveConvention queues a convention directive established by a peer.
func (e *CLIExecutor) ReceiveConvention(directive string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = append(e.queued, directive)
}

// Close is a no-op: the subprocess-per-invocation model leaves nothing
// running between calls.
func (e *CLIExecutor) Close() error {
	return nil
}

// SessionID returns the session identifier for resumed conversations.
func (e *CLIExecutor) SessionID() string {
	return e.sessionID
}

func (e *CLIExecutor) buildArgs(prompt string) []string {
	args := append([]string(nil), e.cfg.Args...)
	args = append(args, "-p", prompt, "--output-format", "json", "--session-id", e.sessionID)
	if e.cfg.Model != "" {
		args = append(args, "--model", e.cfg.Model)
	}
	if e.cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", e.cfg.SystemPrompt)
	}
	return args
}

func buildPrompt(unit task.WorkUnit, directives []string) string {
	var sb strings.Builder
	sb.WriteString(unit.Scope)
	sb.WriteString("\n")

	writeList := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n" + header + "\n")
		for _, item := range items {
			sb.WriteString("- " + item + "\n")
		}
	}
	writeList("Files you may modify:", unit.MayModify)
	writeList("Files you may read but not modify:", append(append([]string(nil), unit.MayRead...), unit.MustNotModify...))
	writeList("Artifacts you must produce:", unit.Produces)
	writeList("Artifacts available to you:", unit.Consumes)
	writeList("Conventions established by completed peers (follow them):", directives)

	sb.WriteString("\nFinish with a single JSON object: {\"handoff\": {\"produced\": [], \"key_context\": [], \"areas_of_uncertainty\": [], \"open_questions\": []}} or {\"signal\": {...}}.\n")
	return sb.String()
}

// lastJSONObject returns the final top-level {...} block in output,
// tolerating progress text printed before it.
func lastJSONObject(output []byte) []byte {
	s := strings.TrimSpace(string(output))
	end := strings.LastIndex(s, "}")
	if end < 0 {
		return output
	}
	depth := 0
	for i := end; i >= 0; i-- {
		switch s[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				return []byte(s[i : end+1])
			}
		}
	}
	return output
}
