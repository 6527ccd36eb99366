// Package backup copies store snapshots to and from Google Cloud Storage or
// local files.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/RaphaLefth/pillquest/errs"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
)

const keyPrefix = "backups/"

// Snapshotter is a store that can stream a full snapshot of itself and load
// one back.
type Snapshotter interface {
	Backup(w io.Writer) error
	Restore(r io.Reader) error
}

// ObjectName is the name of the backup taken at t.
func ObjectName(t time.Time) string {
	return path.Join(keyPrefix, t.UTC().Format("20060102T150405Z")+".badger")
}

// Archive keeps backups in a GCS bucket.
type Archive struct {
	gcs    *storage.Client
	bucket string
}

func NewArchive(gcs *storage.Client, bucket string) *Archive {
	return &Archive{gcs: gcs, bucket: bucket}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Upload writes a snapshot of snap to a new object named after now.  It
// refuses to overwrite an existing backup.
func (a *Archive) Upload(ctx context.Context, snap Snapshotter, now time.Time) (string, error) {
	tracer := otel.Tracer("pillquest/backup")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Archive.Upload")
	defer span.End()

	name := ObjectName(now)
	span.SetAttributes(attribute.String("object", name))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := a.gcs.Bucket(a.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if err := snap.Backup(w); err != nil {
		// Cancelling the context before Close aborts the upload.
		cancel()
		w.Close()
		return "", fail(span, fmt.Errorf("while streaming snapshot: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", fail(span, fmt.Errorf("while finishing upload of %s: %w", name, err))
	}

	glog.Infof("Uploaded backup gs://%s/%s", a.bucket, name)
	span.SetStatus(codes.Ok, "")
	return name, nil
}

// Download loads the named backup into snap.
func (a *Archive) Download(ctx context.Context, snap Snapshotter, name string) error {
	tracer := otel.Tracer("pillquest/backup")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Archive.Download")
	defer span.End()
	span.SetAttributes(attribute.String("object", name))

	if !strings.HasPrefix(name, keyPrefix) {
		name = path.Join(keyPrefix, name)
	}

	r, err := a.gcs.Bucket(a.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fail(span, errs.Newf(errs.KindNotFound, "backup %s does not exist", name))
	}
	if err != nil {
		return fail(span, fmt.Errorf("while opening reader for object: %w", err))
	}
	defer r.Close()

	if err := snap.Restore(r); err != nil {
		return fail(span, fmt.Errorf("while restoring from %s: %w", name, err))
	}

	glog.Infof("Restored backup gs://%s/%s", a.bucket, name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// List returns the names of all backups, newest first.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	var names []string
	it := a.gcs.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing backups: %w", err)
		}
		names = append(names, attrs.Name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// ToFile writes a snapshot of snap to a local file.
func ToFile(snap Snapshotter, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", filename, err)
	}
	if err := snap.Backup(f); err != nil {
		f.Close()
		return fmt.Errorf("while writing snapshot to %s: %w", filename, err)
	}
	return f.Close()
}

// FromFile loads a snapshot written by ToFile.
func FromFile(snap Snapshotter, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("while opening %s: %w", filename, err)
	}
	defer f.Close()
	if err := snap.Restore(f); err != nil {
		return fmt.Errorf("while loading snapshot from %s: %w", filename, err)
	}
	return nil
}

// Run uploads a backup of snap every interval until ctx is done.
func (a *Archive) Run(ctx context.Context, snap Snapshotter, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := a.Upload(ctx, snap, time.Now()); err != nil {
			glog.Errorf("Error during periodic backup: %v", err)
		}
	}
}
