package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// DeadLetterPrefix is the key prefix under which poison events are stored.
const DeadLetterPrefix = "dlq/"

// BlobStore is the subset of Reader and Writer the dead-letter archive needs.
type BlobStore interface {
	domain.BlobWriter
	domain.BlobReader
	Delete(ctx context.Context, path string) error
}

// DeadLetterArchive implements domain.DeadLetterSink by writing each poison
// event as a JSON object, and reads them back for replay.
type DeadLetterArchive struct {
	blobs  BlobStore
	audit  domain.AuditStore
	logger *slog.Logger
}

var _ domain.DeadLetterSink = (*DeadLetterArchive)(nil)

// NewDeadLetterArchive creates an archive. audit may be nil.
func NewDeadLetterArchive(blobs BlobStore, audit domain.AuditStore, logger *slog.Logger) *DeadLetterArchive {
	return &DeadLetterArchive{
		blobs:  blobs,
		audit:  audit,
		logger: logger.With(slog.String("component", "dlq_archive")),
	}
}

// DeadLetter stores dl at dlq/<route>/<yyyy-mm-dd>/<sequence>-<event id>.json.
// Writing the same letter twice overwrites the earlier object.
func (a *DeadLetterArchive) DeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	buf, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("s3blob: marshal dead letter %s: %w", dl.Event.ID, err)
	}
	path := deadLetterPath(dl)
	if err := a.blobs.Put(ctx, path, bytes.NewReader(buf), "application/json"); err != nil {
		return fmt.Errorf("s3blob: store dead letter: %w", err)
	}
	if a.audit != nil {
		if err := a.audit.Log(ctx, "dlq.stored", map[string]any{
			"path":     path,
			"route":    dl.Route,
			"event_id": dl.Event.ID,
			"error":    dl.Error,
		}); err != nil {
			a.logger.Warn("audit log failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// StoredLetter is a dead letter together with the object it was read from.
type StoredLetter struct {
	Path   string
	Letter domain.DeadLetter
}

// List returns the dead letters under route, or under every route when route
// is empty, ordered by event sequence.
func (a *DeadLetterArchive) List(ctx context.Context, route string) ([]StoredLetter, error) {
	prefix := DeadLetterPrefix
	if route != "" {
		prefix += route + "/"
	}
	infos, err := a.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]StoredLetter, 0, len(infos))
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, ".json") {
			continue
		}
		dl, err := a.read(ctx, info.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredLetter{Path: info.Path, Letter: dl})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Letter.Event.Sequence < out[j].Letter.Event.Sequence
	})
	return out, nil
}

// Remove deletes a replayed letter.
func (a *DeadLetterArchive) Remove(ctx context.Context, path string) error {
	if !strings.HasPrefix(path, DeadLetterPrefix) {
		return fmt.Errorf("s3blob: %s is not a dead letter", path)
	}
	return a.blobs.Delete(ctx, path)
}

func (a *DeadLetterArchive) read(ctx context.Context, path string) (domain.DeadLetter, error) {
	body, err := a.blobs.Get(ctx, path)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return domain.DeadLetter{}, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	var dl domain.DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return dl, nil
}

func deadLetterPath(dl domain.DeadLetter) string {
	return fmt.Sprintf("%s%s/%s/%020d-%s.json",
		DeadLetterPrefix, dl.Route, dl.FailedAt.UTC().Format("2006-01-02"), dl.Event.Sequence, dl.Event.ID)
}

// Store combines a Reader and a Writer over the same bucket.
type Store struct {
	*Reader
	*Writer
}

// NewStore returns a Store for c.
func NewStore(c *Client) *Store {
	return &Store{Reader: NewReader(c), Writer: NewWriter(c)}
}
