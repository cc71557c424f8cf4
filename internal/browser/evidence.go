package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nhle/provisioner/internal/logging"
)

// Evidence captures diagnostic screenshots. Capture is best-effort: it
// never returns an error to the caller.
type Evidence interface {
	Capture(ctx context.Context, p Page, stage string)
}

// DirEvidence writes PNG screenshots into Dir.
type DirEvidence struct {
	Dir    string
	Prefix string
	Log    logging.Logger
	Now    func() time.Time
}

// NewDirEvidence returns a DirEvidence writing "<prefix>_<stage>_<unix>.png" files.
func NewDirEvidence(dir, prefix string, log logging.Logger) *DirEvidence {
	return &DirEvidence{Dir: dir, Prefix: prefix, Log: log, Now: time.Now}
}

// Capture saves a screenshot of p for the given stage.
func (e *DirEvidence) Capture(ctx context.Context, p Page, stage string) {
	if err := e.capture(ctx, p, stage); err != nil {
		e.Log.Warn(ctx, "saving screenshot failed", "stage", stage, "error", err)
	}
}

func (e *DirEvidence) capture(ctx context.Context, p Page, stage string) error {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("creating screenshot dir: %w", err)
	}

	png, err := p.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("capturing screenshot: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%d.png", e.Prefix, stage, e.Now().Unix())
	path := filepath.Join(e.Dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("writing screenshot %s: %w", path, err)
	}

	e.Log.Debug(ctx, "screenshot saved", "path", path)
	return nil
}

// NopEvidence discards captures.
type NopEvidence struct{}

// Capture does nothing.
func (NopEvidence) Capture(context.Context, Page, string) {}
