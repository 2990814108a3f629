package app

import (
	"context"
	"errors"
	"fmt"

	"heatspec/internal/repo"
)

// ResolveJobGraphID picks the job graph a command acts on. The reference may be a job
// graph ID or a visit ID. With no reference, the workspace must hold exactly one job graph.
func ResolveJobGraphID(ctx context.Context, r repo.Repo, ref string) (string, error) {
	if ref == "" {
		jobs, err := r.ListJobGraphs(ctx, "")
		if err != nil {
			return "", err
		}
		switch len(jobs) {
		case 0:
			return "", fmt.Errorf("no job graphs; create one with hs job create")
		case 1:
			return jobs[0].ID, nil
		default:
			return "", fmt.Errorf("multiple job graphs exist; specify --job")
		}
	}
	if g, err := r.GetJobGraph(ctx, ref); err == nil {
		return g.ID, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	id, err := r.JobGraphIDForVisit(ctx, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("job graph %s: %w", ref, repo.ErrNotFound)
		}
		return "", err
	}
	return id, nil
}
