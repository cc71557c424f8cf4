package identity

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/provisioner/internal/logging"
)

// GenerateBatch requests n identities from src concurrently and waits for
// all of them. Failed generations are logged and left out; they never
// abort the batch.
func GenerateBatch(ctx context.Context, n int, src Source, log logging.Logger) []Identity {
	if n <= 0 {
		return nil
	}

	results := make([]*Identity, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			id, err := src.Generate(ctx)
			if err != nil {
				log.Warn(ctx, "identity generation failed", "index", i, "error", err)
				return nil
			}
			results[i] = &id
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Identity, 0, n)
	for _, id := range results {
		if id != nil {
			out = append(out, *id)
		}
	}
	return out
}
