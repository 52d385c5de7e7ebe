package server

import (
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID            string `json:"id,omitempty"`
	Description   string `json:"description"`
	MaxIterations int    `json:"max_iterations,omitempty" minimum:"0"`
}

type ResolveGateRequest struct {
	Decision string `json:"decision" enum:"approve,changes_requested,reject"`
	Category string `json:"category,omitempty" enum:"bug_fix,design_change,scope_change"`
	Feedback string `json:"feedback,omitempty"`
}

type FeedbackRequest struct {
	Category string `json:"category,omitempty" enum:"bug_fix,design_change,scope_change"`
	Text     string `json:"text"`
}

// Response payloads

// ProjectResponse is a project plus whether this process is executing it.
type ProjectResponse struct {
	domain.Project
	Active bool `json:"active"`
}

type ArtifactSummary struct {
	Path      string `json:"path"`
	Version   int    `json:"version"`
	Phase     string `json:"phase"`
	Size      int    `json:"size"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActivityPage struct {
	Items   []domain.ActivityEntry `json:"items"`
	NextSeq int64                  `json:"next_seq,omitempty"`
}

func projectResponse(e engine.Engine, p domain.Project) ProjectResponse {
	return ProjectResponse{Project: p, Active: e.Active(p.ID)}
}

func mapProjects(e engine.Engine, items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(e, p))
	}
	return out
}

func mapArtifactSummaries(items []domain.Artifact) []ArtifactSummary {
	out := make([]ArtifactSummary, 0, len(items))
	for _, a := range items {
		out = append(out, ArtifactSummary{
			Path:      a.Path,
			Version:   a.Version,
			Phase:     a.Phase,
			Size:      len(a.Content),
			CreatedAt: a.CreatedAt,
		})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
