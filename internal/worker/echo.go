package worker

import (
	"context"
	"fmt"
	"strings"
)

// Echo writes a markdown note describing its inputs. It lets a pipeline run
// end to end before real workers exist.
type Echo struct{}

func (Echo) Invoke(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	req.progress(fmt.Sprintf("%s: reading %d artifacts", req.Phase, len(req.Artifacts)))
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", req.Phase)
	if req.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", req.Description)
	}
	if req.Feedback != nil {
		fmt.Fprintf(&b, "Iteration %d (%s): %s\n\n", req.Feedback.Number, req.Feedback.Category, req.Feedback.Feedback)
	}
	for _, a := range req.Artifacts {
		fmt.Fprintf(&b, "- %s@v%d\n", a.Path, a.Version)
	}
	return Result{
		Artifacts: []Artifact{{Path: req.Phase + ".md", Content: b.String()}},
		Summary:   fmt.Sprintf("%s completed (attempt %d)", req.Phase, req.Attempt),
	}, nil
}
