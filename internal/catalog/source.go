package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// TrackSource opens a catalog entry's stored path as a seekable byte
// stream, abstracting over where container files actually live.
type TrackSource interface {
	Open(ctx context.Context, path string) (io.ReadSeeker, io.Closer, error)
}

// LocalTrackSource reads container files directly off the local
// filesystem; path is used as-is.
type LocalTrackSource struct{}

// Open opens path on the local filesystem.
func (LocalTrackSource) Open(_ context.Context, path string) (io.ReadSeeker, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	return f, f, nil
}

// S3TrackSource reads container files out of an S3-compatible bucket,
// treating each entry's path as an object key.
type S3TrackSource struct {
	Client *s3.Client
	Bucket string
}

// Open returns a lazily-fetching reader over the object named by path.
// Reads issue ranged GetObject calls so a Seek never needs to discard
// and re-download data already read past the new position.
func (s *S3TrackSource) Open(ctx context.Context, path string) (io.ReadSeeker, io.Closer, error) {
	head, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: head s3://%s/%s: %w", s.Bucket, path, err)
	}

	r := &s3ObjectReader{
		ctx:    ctx,
		client: s.Client,
		bucket: s.Bucket,
		key:    path,
		size:   aws.ToInt64(head.ContentLength),
	}
	return r, r, nil
}

// s3ObjectReader is an io.ReadSeeker backed by ranged S3 GetObject
// calls, grounded on the gateway's HTTP range plumbing: a Seek just
// moves the logical cursor, and the next Read opens a fresh ranged
// request starting from there.
type s3ObjectReader struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string

	pos  int64
	size int64
	body io.ReadCloser
}

func (r *s3ObjectReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if r.body == nil {
		out, err := r.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", r.pos)),
		})
		if err != nil {
			return 0, fmt.Errorf("catalog: get s3://%s/%s at offset %d: %w", r.bucket, r.key, r.pos, err)
		}
		r.body = out.Body
	}

	n, err := r.body.Read(p)
	r.pos += int64(n)
	if err == io.EOF {
		r.body.Close()
		r.body = nil
	}
	return n, err
}

func (r *s3ObjectReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return 0, fmt.Errorf("catalog: invalid whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("catalog: negative seek position")
	}

	if target != r.pos && r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.pos = target
	return r.pos, nil
}

func (r *s3ObjectReader) Close() error {
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}
