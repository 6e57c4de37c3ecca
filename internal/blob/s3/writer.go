package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter on top of a Client.
type Writer struct {
	c *Client
}

// NewWriter creates a Writer for c's bucket and prefix.
func NewWriter(c *Client) *Writer {
	return &Writer{c: c}
}

// sized is implemented by bytes.Reader and strings.Reader.
type sized interface {
	Len() int
}

func (w *Writer) input(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(w.c.bucket),
		Key:         aws.String(w.c.Key(path)),
		Body:        data,
		ContentType: aws.String(contentType),
	}
	if w.c.sse {
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	return in
}

// Put uploads data under path. Readers that report a length above the
// multipart minimum go through the upload manager; everything else is a
// single PutObject.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if s, ok := data.(sized); ok && int64(s.Len()) > minPartSize {
		return w.PutMultipart(ctx, path, data, contentType, minPartSize)
	}

	if _, err := w.c.s3.PutObject(ctx, w.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads data through the multipart upload manager in parts of
// partSize bytes, clamped to the 5 MiB minimum.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error {
	if partSize < minPartSize {
		partSize = minPartSize
	}

	uploader := manager.NewUploader(w.c.s3, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	if _, err := uploader.Upload(ctx, w.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
