package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"path"
	"time"
)

// StorageErrorKey is set on a node output when its artifact could not be copied.
const StorageErrorKey = "storageError"

// StoredURLKey holds the location of the copied artifact.
const StoredURLKey = "storedUrl"

// Persister downloads the primary output of a node into a Store. Failures never fail the node.
type Persister struct {
	logger *slog.Logger
	store  Store
	http   *http.Client
}

func NewPersister(logger *slog.Logger, store Store, timeout time.Duration) *Persister {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Persister{
		logger: logger.With("module", "artifacts"),
		store:  store,
		http:   &http.Client{Timeout: timeout},
	}
}

// Persist returns a copy of output with either StoredURLKey or StorageErrorKey set.
// Outputs whose primary value is not an http(s) URL are returned unchanged.
func (p *Persister) Persist(ctx context.Context, executionID, nodeID string, output map[string]any) map[string]any {
	source, ok := output["output"].(string)
	if !ok {
		return output
	}

	parsed, err := url.Parse(source)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return output
	}

	result := maps.Clone(output)

	location, err := p.copy(ctx, parsed, executionID, nodeID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to persist artifact",
			"execution_id", executionID,
			"node_id", nodeID,
			"url", source,
			"error", err,
		)

		result[StorageErrorKey] = err.Error()

		return result
	}

	result[StoredURLKey] = location

	return result
}

func (p *Persister) copy(ctx context.Context, source *url.URL, executionID, nodeID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.logger.WarnContext(ctx, "Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	name := path.Base(source.Path)
	if name == "." || name == "/" {
		name = "output"
	}

	return p.store.Save(ctx, path.Join(executionID, nodeID, name), resp.Body)
}
