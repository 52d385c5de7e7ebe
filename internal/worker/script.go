package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"phaseline/internal/domain"
)

// ExitRetry is the exit status (EX_TEMPFAIL) a script uses to ask for a retry.
const ExitRetry = 75

const (
	progressPrefix = "PROGRESS:"
	verdictPrefix  = "VERDICT:"
)

// Script runs a bash command for a phase. The latest artifacts are written to
// $PHASELINE_ARTIFACTS before the command starts; stdout becomes the Output
// artifact. Lines starting with PROGRESS: are reported as progress and a
// VERDICT: fail line marks a failing verdict.
type Script struct {
	Run    string
	Output string
	Env    map[string]string
}

func (s Script) Invoke(ctx context.Context, req Request) (Result, error) {
	dir, err := os.MkdirTemp("", "phaseline-"+req.Phase+"-")
	if err != nil {
		return Result{}, Retryable(err)
	}
	defer os.RemoveAll(dir)
	if err := writeArtifacts(dir, req.Artifacts); err != nil {
		return Result{}, Fatal(err)
	}

	vars := map[string]string{
		"PHASELINE_PROJECT":   req.ProjectID,
		"PHASELINE_PHASE":     req.Phase,
		"PHASELINE_ATTEMPT":   strconv.Itoa(req.Attempt),
		"PHASELINE_ARTIFACTS": dir,
	}
	if req.Feedback != nil {
		vars["PHASELINE_FEEDBACK"] = req.Feedback.Feedback
		vars["PHASELINE_FEEDBACK_CATEGORY"] = string(req.Feedback.Category)
	}
	for k, v := range s.Env {
		vars[k] = v
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", ExpandVars(s.Run, vars))
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, Fatal(err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Result{}, Fatal(err)
	}

	var (
		output  strings.Builder
		verdict domain.Verdict
	)
	// stdout must be fully read before Wait
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, progressPrefix):
			req.progress(strings.TrimSpace(strings.TrimPrefix(line, progressPrefix)))
		case strings.HasPrefix(line, verdictPrefix):
			verdict = domain.Verdict(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, verdictPrefix))))
		default:
			output.WriteString(line)
			output.WriteByte('\n')
		}
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	code, err := exitCode(waitErr)
	if err != nil {
		return Result{}, Fatal(err)
	}
	switch {
	case code == ExitRetry:
		return Result{}, Retryablef("script exited %d: %s", code, tail(stderr.String()))
	case code != 0:
		return Result{}, Fatalf("script exited %d: %s", code, tail(stderr.String()))
	}

	out := s.Output
	if out == "" {
		out = req.Phase + ".md"
	}
	if verdict != domain.VerdictFail {
		verdict = domain.VerdictPass
	}
	return Result{
		Artifacts: []Artifact{{Path: out, Content: output.String()}},
		Summary:   firstLine(output.String()),
		Verdict:   verdict,
	}, nil
}

// ExpandVars substitutes ${VAR} references from vars, falling back to the
// process environment.
func ExpandVars(template string, vars map[string]string) string {
	return os.Expand(template, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

func writeArtifacts(dir string, artifacts []domain.Artifact) error {
	for _, a := range artifacts {
		target := filepath.Join(dir, filepath.FromSlash(a.Path))
		rel, err := filepath.Rel(dir, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("artifact path %q escapes workspace", a.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(a.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// exitCode extracts an exit code from a command error.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
