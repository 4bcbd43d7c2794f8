package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is not before end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a store.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest defines the window to export.
type ExportRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// EvidencePack describes an exported bundle.
type EvidencePack struct {
	GeneratedAt time.Time `json:"generated_at"`
	EntryCount  int       `json:"entry_count"`
	Checksum    string    `json:"checksum"`
	DownloadURL string    `json:"download_url,omitempty"` // If stored in a bucket
}

// Sink stores an exported archive and returns a retrieval URL.
// S3Sink and GCSSink implement it; a nil sink keeps packs local.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Exporter builds evidence packs from the journal.
type Exporter struct {
	store Store
	sink  Sink
	clock func() time.Time
}

// NewExporter creates an exporter; sink may be nil.
func NewExporter(store Store, sink Sink) *Exporter {
	return &Exporter{store: store, sink: sink, clock: time.Now}
}

// Export bundles every entry in the window into a zip archive with a
// manifest, computes its checksum, and uploads to the sink if present.
// The archive bytes are returned either way.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*EvidencePack, []byte, error) {
	if e.store == nil {
		return nil, nil, ErrStoreNotConfigured
	}
	if !req.StartTime.Before(req.EndTime) {
		return nil, nil, ErrInvalidTimeRange
	}

	entries, err := e.store.Range(ctx, req.StartTime, req.EndTime)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: export range: %w", err)
	}

	pack := &EvidencePack{
		GeneratedAt: e.clock().UTC(),
		EntryCount:  len(entries),
	}

	archive, err := buildArchive(pack, entries)
	if err != nil {
		return nil, nil, err
	}

	sum := sha256.Sum256(archive)
	pack.Checksum = "sha256:" + hex.EncodeToString(sum[:])

	if e.sink != nil {
		name := fmt.Sprintf("audit-pack-%s.zip", pack.GeneratedAt.Format("20060102T150405Z"))
		url, err := e.sink.Put(ctx, name, archive)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: upload pack: %w", err)
		}
		pack.DownloadURL = url
	}
	return pack, archive, nil
}

func buildArchive(pack *EvidencePack, entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	manifest, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}
	if err := writeZipFile(zw, "manifest.json", manifest); err != nil {
		return nil, err
	}

	lines, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal entries: %w", err)
	}
	if err := writeZipFile(zw, "entries.json", lines); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("audit: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("audit: archive %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("audit: archive %s: %w", name, err)
	}
	return nil
}
