package host

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/isorun/isorun/errors"
)

// CoverageCollector gathers precise per-module execution counts over an
// inspector session and writes one JSON report per module on stop. All
// session traffic rides the worker's event loop, so Start and Stop must
// be called under WithEventLoop.
type CoverageCollector struct {
	dir     string
	session InspectorSession
}

func NewCoverageCollector(dir string, session InspectorSession) *CoverageCollector {
	return &CoverageCollector{dir: dir, session: session}
}

// Start enables the profiler and begins precise collection.
func (c *CoverageCollector) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	if _, err := c.session.Post(ctx, "Profiler.enable", nil); err != nil {
		return err
	}
	_, err := c.session.Post(ctx, "Profiler.startPreciseCoverage", map[string]bool{
		"callCount": true,
		"detailed":  true,
	})
	return err
}

// Stop takes the final counts, writes the reports and shuts the profiler
// down.
func (c *CoverageCollector) Stop(ctx context.Context) error {
	raw, err := c.session.Post(ctx, "Profiler.takePreciseCoverage", nil)
	if err != nil {
		return err
	}
	var report struct {
		Result []struct {
			URL   string `json:"url"`
			Count uint64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return errors.Coverage("decode report", err)
	}
	for _, script := range report.Result {
		data, err := json.MarshalIndent(script, "", "  ")
		if err != nil {
			return errors.Coverage("encode report", err)
		}
		path := filepath.Join(c.dir, checksum(script.URL)+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	if _, err := c.session.Post(ctx, "Profiler.stopPreciseCoverage", nil); err != nil {
		return err
	}
	_, err = c.session.Post(ctx, "Profiler.disable", nil)
	return err
}
