package contract

import (
	"fmt"
	"path"
	"strings"
)

// ArtifactType classifies what a collected artifact contains.
type ArtifactType string

const (
	ArtifactScreenshot ArtifactType = "screenshot"
	ArtifactReport     ArtifactType = "report"
	ArtifactTestReport ArtifactType = "structured_test_report"
	ArtifactTrace      ArtifactType = "execution_trace"
	ArtifactLog        ArtifactType = "log"
	ArtifactVideo      ArtifactType = "video"
	ArtifactNetCapture ArtifactType = "network_capture"
	ArtifactOther      ArtifactType = "other"
)

// ArtifactRef points at one collected artifact. Path is always stored
// relative to the artifact root — never absolute, never traversing up.
type ArtifactRef struct {
	Type     ArtifactType   `json:"type"`
	Path     string         `json:"path"`
	MIMEType string         `json:"mime_type,omitempty"`
	Bytes    int64          `json:"bytes"`
	SHA256   string         `json:"sha256,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewArtifactRef builds a validated ArtifactRef. Unknown types fall
// back to ArtifactOther; invalid paths are errors, not coerced.
func NewArtifactRef(typ ArtifactType, relPath, mimeType string, size int64) (*ArtifactRef, error) {
	if err := ValidateArtifactPath(relPath); err != nil {
		return nil, err
	}
	switch typ {
	case ArtifactScreenshot, ArtifactReport, ArtifactTestReport, ArtifactTrace,
		ArtifactLog, ArtifactVideo, ArtifactNetCapture, ArtifactOther:
	default:
		typ = ArtifactOther
	}
	return &ArtifactRef{Type: typ, Path: relPath, MIMEType: mimeType, Bytes: size}, nil
}

// ValidateArtifactPath rejects absolute paths, drive letters, and any
// parent-traversal segment. Paths use forward slashes on the wire.
func ValidateArtifactPath(p string) error {
	if p == "" {
		return fmt.Errorf("artifact path must not be empty")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return fmt.Errorf("artifact path must be relative: %q", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return fmt.Errorf("artifact path must not carry a drive letter: %q", p)
	}
	for _, seg := range strings.Split(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/") {
		if seg == ".." {
			return fmt.Errorf("artifact path must not traverse upward: %q", p)
		}
	}
	return nil
}

// AuditPath returns the path suitable for audit detail: the stored
// relative-path metadata override if present, else the bare filename.
func (a ArtifactRef) AuditPath() string {
	if a.Metadata != nil {
		if rp, ok := a.Metadata["relative_path"].(string); ok && rp != "" {
			return rp
		}
	}
	return path.Base(strings.ReplaceAll(a.Path, "\\", "/"))
}
