package filetree

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"antivibe/internal/project"
)

// ManifestEntry is one file of a completed build.
type ManifestEntry struct {
	Path     string        `json:"path"`
	SHA256   string        `json:"sha256"`
	Size     int64         `json:"size"`
	Language string        `json:"language,omitempty"`
	Stage    project.Stage `json:"stage"`
}

// Manifest is the completion record written last into a published tree.
// Revision depends only on paths and contents.
type Manifest struct {
	Project     string          `json:"project"`
	BuildID     string          `json:"build_id,omitempty"`
	Revision    string          `json:"revision"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Files       []ManifestEntry `json:"files"`
}

// Manifest hashes every file in lexical order.
func (t Tree) Manifest() Manifest {
	entries := make([]ManifestEntry, 0, len(t.files))
	for _, f := range t.Files() {
		sum := sha256.Sum256([]byte(f.Content))
		entries = append(entries, ManifestEntry{
			Path:     f.Path,
			SHA256:   hex.EncodeToString(sum[:]),
			Size:     int64(len(f.Content)),
			Language: f.Language,
			Stage:    f.Stage,
		})
	}
	return Manifest{Revision: computeRevision(entries), Files: entries}
}

func computeRevision(entries []ManifestEntry) string {
	if len(entries) == 0 {
		return "empty"
	}
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.Path))
		h.Write([]byte{0})
		h.Write([]byte(e.SHA256))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TotalBytes sums the manifest's file sizes.
func (m Manifest) TotalBytes() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}
