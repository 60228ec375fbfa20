// Package media uploads user images to the app's storage bucket.
package media

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
)

// Uploader writes blobs to the default Firebase Storage bucket. Uploads are
// path-addressed: writing to an occupied path overwrites the blob.
type Uploader struct {
	bucket *storage.BucketHandle
}

func New(ctx context.Context) (*Uploader, error) {
	app, err := firebase.NewApp(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("initialize app: %w", err)
	}
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	bucket, err := client.DefaultBucket()
	if err != nil {
		return nil, fmt.Errorf("resolve default bucket: %w", err)
	}
	return &Uploader{bucket: bucket}, nil
}

// Upload streams r to path and returns a durable fetch URL. On error the
// caller must leave any document referencing the blob untouched.
func (u *Uploader) Upload(ctx context.Context, path string, r io.Reader, contentType string) (string, error) {
	obj := u.bucket.Object(path)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch attrs %s: %w", path, err)
	}
	return attrs.MediaLink, nil
}
