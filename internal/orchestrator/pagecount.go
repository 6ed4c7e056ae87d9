package orchestrator

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/assembler"
	"github.com/local/combinepdf/internal/dispatcher"
	"github.com/local/combinepdf/internal/resource"
)

// PageCounter returns the number of pages of the PDF named by ref.
type PageCounter func(ctx context.Context, ref string) (int, error)

// WorkspacePageCounter determines page counts for:
// - file://path or absolute/relative filesystem paths
// - http(s):// URLs
// - s3://bucket/key
// Remote documents are fetched into a workspace that is dropped afterwards.
func WorkspacePageCounter(newWorkspace func() (*resource.Workspace, error)) PageCounter {
	return func(ctx context.Context, ref string) (int, error) {
		// Strip optional #pages suffix if present
		if i := strings.Index(ref, "#"); i >= 0 {
			ref = ref[:i]
		}

		ws, err := newWorkspace()
		if err != nil {
			return 0, err
		}
		defer ws.Close()

		path, err := ws.Fetch(ctx, ref)
		if err != nil {
			return 0, &dispatcher.FetchError{Err: err}
		}
		src, err := assembler.NewPDFSource(path)
		if err != nil {
			return 0, err
		}
		log.Debug().Str("ref", ref).Int("pages", src.PageCount).Msg("determined page count")
		return src.PageCount, nil
	}
}
