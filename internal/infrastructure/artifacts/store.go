package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/execrunner"
	"go.uber.org/zap"
)

const (
	// ExternalizeThreshold is the inline size above which an exec output
	// field moves to disk.
	ExternalizeThreshold = 24_000
	// PreviewBytes is how much of an externalized field stays inline.
	PreviewBytes = 12_000
	// hashLimit caps how large a file still gets a SHA-256.
	hashLimit = 5 * 1024 * 1024

	uriScheme = "eclia://artifact/"
)

// Store writes oversize tool outputs under <root>/.eclia/artifacts and
// serves them back over /api/artifacts.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore roots the artifact tree under the project root.
func NewStore(root string, logger *zap.Logger) *Store {
	return &Store{dir: filepath.Join(root, ".eclia", "artifacts"), logger: logger}
}

// Dir returns the artifact tree root.
func (s *Store) Dir() string { return s.dir }

// ExternalizeExecResult moves oversize stdout/stderr of an exec result to
// disk, leaving a preview plus a truncation marker inline and recording an
// artifact descriptor per moved field.
func (s *Store) ExternalizeExecResult(sessionID, callID string, result *tool.ExecResult) {
	if result == nil || result.Type != "exec_result" {
		return
	}
	if len(result.Stdout) > ExternalizeThreshold {
		if ref := s.externalize(sessionID, callID, "stdout", result.Stdout); ref != nil {
			result.Stdout = preview(result.Stdout, ref.Path)
			result.Truncated.Stdout = true
			result.Artifacts = append(result.Artifacts, *ref)
		}
	}
	if len(result.Stderr) > ExternalizeThreshold {
		if ref := s.externalize(sessionID, callID, "stderr", result.Stderr); ref != nil {
			result.Stderr = preview(result.Stderr, ref.Path)
			result.Truncated.Stderr = true
			result.Artifacts = append(result.Artifacts, *ref)
		}
	}
}

func (s *Store) externalize(sessionID, callID, field, content string) *tool.ArtifactRef {
	rel := filepath.Join(sessionID, fmt.Sprintf("%s_%s.txt", callID, field))
	abs := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		s.logger.Warn("Artifact dir create failed", zap.String("path", abs), zap.Error(err))
		return nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		s.logger.Warn("Artifact write failed", zap.String("path", abs), zap.Error(err))
		return nil
	}

	ref := &tool.ArtifactRef{
		Field: field,
		Path:  filepath.ToSlash(rel),
		URI:   uriScheme + escapePath(filepath.ToSlash(rel)),
		Bytes: int64(len(content)),
	}
	if len(content) <= hashLimit {
		sum := sha256.Sum256([]byte(content))
		ref.SHA256 = hex.EncodeToString(sum[:])
	}
	return ref
}

// escapePath url-encodes each segment of a slash path, keeping the
// separators literal.
func escapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// preview keeps the leading PreviewBytes of a moved field, cut at a UTF-8
// boundary, with a marker pointing at the full file.
func preview(content, path string) string {
	cut := execrunner.TrimToUTF8Boundary([]byte(content[:PreviewBytes]))
	return string(cut) + fmt.Sprintf("…[truncated, full saved to %s]", path)
}

// Open validates a client-supplied artifact path and opens the file. Any
// resolution escaping the artifact root is rejected.
func (s *Store) Open(relPath string) (*os.File, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("path %q escapes the artifact root", relPath)
	}
	return os.Open(filepath.Join(s.dir, clean))
}
