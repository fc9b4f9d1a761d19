// Package analyzer wraps the external LLM analyzer as an opaque subprocess.
// The adapter feeds a segment descriptor on stdin, expects one JSON node
// document on stdout, validates it against the embedded schema, and maps
// failures to a closed classification used for retry decisions. It never
// touches the graph store.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Version identifies the adapter's prompt/schema revision, recorded on
// every node it produces.
const Version = "pibrain-analyzer/1"

// maxStderrBytes bounds how much stderr is retained for classification.
const maxStderrBytes = 64 << 10

// Options configures an Adapter.
type Options struct {
	// Command is the analyzer argv; Command[0] is the binary.
	Command []string

	// PromptPath is the prompt template handed to the subprocess. Missing
	// at invocation time is a permanent-config failure.
	PromptPath string

	// SkillsDir optionally points at reusable analysis skills.
	SkillsDir string

	// Model and Provider name the LLM target.
	Model    string
	Provider string

	// Env is appended to the inherited environment (credentials).
	Env []string

	// Timeout bounds one invocation. Zero means 10 minutes.
	Timeout time.Duration

	// LogsDir receives one log file per job.
	LogsDir string

	Logger *slog.Logger
}

// Adapter invokes the analyzer subprocess.
type Adapter struct {
	opts Options
	log  *slog.Logger
}

// defaultTimeout bounds an invocation when Options.Timeout is zero.
const defaultTimeout = 10 * time.Minute

// New validates static options and returns an Adapter.
func New(opts Options) (*Adapter, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("analyzer: command not set")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{opts: opts, log: logger}, nil
}

// Request describes one segment to analyze.
type Request struct {
	JobID       string `json:"jobId"`
	SessionPath string `json:"sessionPath"`
	StartID     string `json:"startId"`
	EndID       string `json:"endId"`

	// Context is the free-form context blob carried by the job.
	Context string `json:"context,omitempty"`

	PromptPath string `json:"promptPath"`
	SkillsDir  string `json:"skillsDir,omitempty"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

// Result is one validated analyzer output.
type Result struct {
	// NodeJSON is the schema-valid node document exactly as emitted.
	NodeJSON []byte

	Duration time.Duration
}

// Analyze runs the subprocess for one segment. The returned error, when
// non-nil, is always an *Error carrying a FailureClass.
func (a *Adapter) Analyze(ctx context.Context, req Request) (*Result, error) {
	req.PromptPath = a.opts.PromptPath
	req.SkillsDir = a.opts.SkillsDir
	req.Model = a.opts.Model
	req.Provider = a.opts.Provider

	preErr := a.checkEnvironment()
	if preErr != nil {
		return nil, preErr
	}

	stdin, marshalErr := json.Marshal(req)
	if marshalErr != nil {
		return nil, classified(PermanentInput, "encode request", marshalErr, "")
	}

	runCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.opts.Command[0], a.opts.Command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), a.opts.Env...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = newCapWriter(&stderr, maxStderrBytes)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	logErr := a.writeJobLog(req, stdin, stdout.Bytes(), stderr.Bytes(), elapsed, runErr)
	if logErr != nil {
		a.log.Warn("failed to write analysis log", slog.String("job", req.JobID), slog.Any("error", logErr))
	}

	if runErr != nil {
		class := classifyRun(runCtx, runErr, stderr.String())
		a.log.Warn("analyzer subprocess failed",
			slog.String("job", req.JobID),
			slog.String("class", string(class)),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", runErr))

		return nil, classified(class, "run subprocess", runErr, stderr.String())
	}

	doc := bytes.TrimSpace(stdout.Bytes())
	if len(doc) == 0 {
		return nil, classified(Unknown, "read output", errors.New("empty stdout"), stderr.String())
	}

	validErr := validateNodeJSON(doc)
	if validErr != nil {
		return nil, classified(PermanentInput, "validate output", validErr, stderr.String())
	}

	a.log.Info("segment analyzed",
		slog.String("job", req.JobID),
		slog.String("session", req.SessionPath),
		slog.Duration("elapsed", elapsed))

	return &Result{NodeJSON: doc, Duration: elapsed}, nil
}

// checkEnvironment verifies files the contract requires at invocation time.
// Missing ones are permanent-config failures naming the offending path.
func (a *Adapter) checkEnvironment() error {
	if a.opts.PromptPath != "" {
		_, err := os.Stat(a.opts.PromptPath)
		if err != nil {
			return classified(PermanentConfig, "check prompt",
				fmt.Errorf("prompt template %s: %w", a.opts.PromptPath, err), "")
		}
	}

	if a.opts.SkillsDir != "" {
		_, err := os.Stat(a.opts.SkillsDir)
		if err != nil {
			return classified(PermanentConfig, "check skills",
				fmt.Errorf("skills directory %s: %w", a.opts.SkillsDir, err), "")
		}
	}

	return nil
}

// writeJobLog records one invocation under the logs directory.
func (a *Adapter) writeJobLog(req Request, stdin, stdout, stderr []byte, elapsed time.Duration, runErr error) error {
	if a.opts.LogsDir == "" {
		return nil
	}

	mkdirErr := os.MkdirAll(a.opts.LogsDir, 0o755)
	if mkdirErr != nil {
		return mkdirErr
	}

	name := req.JobID
	if name == "" {
		name = fmt.Sprintf("adhoc-%d", time.Now().UnixNano())
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# analysis %s\n", name)
	fmt.Fprintf(&buf, "session: %s [%s..%s]\n", req.SessionPath, req.StartID, req.EndID)
	fmt.Fprintf(&buf, "elapsed: %s\n", elapsed)

	if runErr != nil {
		fmt.Fprintf(&buf, "error: %v\n", runErr)
	}

	fmt.Fprintf(&buf, "\n--- stdin ---\n%s\n", stdin)
	fmt.Fprintf(&buf, "\n--- stdout ---\n%s\n", stdout)
	fmt.Fprintf(&buf, "\n--- stderr ---\n%s\n", stderr)

	return os.WriteFile(filepath.Join(a.opts.LogsDir, name+".log"), buf.Bytes(), 0o644)
}

// capWriter discards bytes past a fixed cap.
type capWriter struct {
	buf *bytes.Buffer
	max int
}

func newCapWriter(buf *bytes.Buffer, max int) *capWriter {
	return &capWriter{buf: buf, max: max}
}

func (w *capWriter) Write(p []byte) (int, error) {
	room := w.max - w.buf.Len()
	if room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}

	return len(p), nil
}
