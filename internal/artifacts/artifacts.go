// Package artifacts is the out-of-scope "artifact filesystem storage"
// collaborator: `write(jobId, kind, bytes) -> {digest, size}`.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"taskrelay/internal/domain"
)

// Store persists one artifact's bytes and reports its digest and size.
type Store interface {
	Write(ctx context.Context, jobID string, kind domain.ArtifactKind, data []byte) (digest string, size int64, err error)
	Read(ctx context.Context, jobID string, kind domain.ArtifactKind) ([]byte, error)
}

// LocalFS roots every job's artifacts at Root/jobID/kind.
type LocalFS struct {
	Root string
}

func NewLocalFS(root string) LocalFS {
	return LocalFS{Root: root}
}

func (f LocalFS) path(jobID string, kind domain.ArtifactKind) string {
	return filepath.Join(f.Root, jobID, string(kind))
}

func (f LocalFS) Write(ctx context.Context, jobID string, kind domain.ArtifactKind, data []byte) (string, int64, error) {
	p := f.path(jobID, kind)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", 0, fmt.Errorf("artifacts: create dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("artifacts: write %s: %w", p, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (f LocalFS) Read(ctx context.Context, jobID string, kind domain.ArtifactKind) ([]byte, error) {
	return os.ReadFile(f.path(jobID, kind))
}

// MIMEFor derives a content type from an artifact kind, for the MCP resource
// surface's `mcp://jobs/{jobId}/artifacts/{kind}` reads.
func MIMEFor(kind domain.ArtifactKind) string {
	switch kind {
	case domain.ArtifactPatchDiff:
		return "text/x-diff"
	case domain.ArtifactOutMd:
		return "text/markdown"
	case domain.ArtifactLogsTxt:
		return "text/plain"
	case domain.ArtifactPRJson:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
