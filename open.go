package cpra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"github.com/klauspost/compress/gzip"
	"github.com/shenwei356/xopen"
)

// Opener resolves input paths into readers. Local paths are opened with
// xopen, which transparently decompresses gzip, xz and zstd. Paths beginning
// with gs:// are read from Google Cloud Storage; gzipped objects are detected
// by their magic bytes.
//
// An Opener is safe for concurrent use. The storage client is created on
// first use and released by Close.
type Opener struct {
	mu     sync.Mutex
	client *storage.Client
}

// NewOpener returns an Opener with no storage client yet.
func NewOpener() *Opener {
	return &Opener{}
}

// Open returns a reader over the (decompressed) content of path.
func (o *Opener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if strings.HasPrefix(path, "gs://") {
		return o.openGoogleStorage(ctx, path)
	}

	f, err := xopen.Ropen(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return f, nil
}

// OpenReader opens path and parses its header.
func (o *Opener) OpenReader(ctx context.Context, path string, schema *Schema, opts ReaderOptions) (*Reader, error) {
	rc, err := o.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(rc, path, schema, opts)
	if err != nil {
		rc.Close()
		return nil, err
	}
	r.closer = rc
	return r, nil
}

// Close releases the storage client, if one was created.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client == nil {
		return nil
	}
	err := o.client.Close()
	o.client = nil
	return err
}

// SourceStamp identifies one version of an input: a rewritten file gets a
// new stamp.
type SourceStamp struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mtime_ns"`
}

// Stat returns the current stamp of path. Objects in Google Cloud Storage
// are stamped with their size and last update time.
func (o *Opener) Stat(ctx context.Context, path string) (SourceStamp, error) {
	if !strings.HasPrefix(path, "gs://") {
		info, err := os.Stat(path)
		if err != nil {
			return SourceStamp{}, pfx.Err(err)
		}
		return SourceStamp{Size: info.Size(), ModTime: info.ModTime().UnixNano()}, nil
	}

	bucket, object, err := splitGoogleStoragePath(path)
	if err != nil {
		return SourceStamp{}, pfx.Err(err)
	}
	client, err := o.storageClient(ctx)
	if err != nil {
		return SourceStamp{}, err
	}
	attrs, err := client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return SourceStamp{}, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return SourceStamp{Size: attrs.Size, ModTime: attrs.Updated.UnixNano()}, nil
}

func (o *Opener) storageClient(ctx context.Context) (*storage.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client != nil {
		return o.client, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, pfx.Err(err)
	}
	o.client = client
	return client, nil
}

func (o *Opener) openGoogleStorage(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, object, err := splitGoogleStoragePath(path)
	if err != nil {
		return nil, pfx.Err(err)
	}

	client, err := o.storageClient(ctx)
	if err != nil {
		return nil, err
	}

	obj, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	br := bufio.NewReaderSize(obj, 1<<16)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			obj.Close()
			return nil, pfx.Err(err)
		}
		return &stackedReadCloser{Reader: gz, closers: []io.Closer{gz, obj}}, nil
	}

	return &stackedReadCloser{Reader: br, closers: []io.Closer{obj}}, nil
}

func splitGoogleStoragePath(path string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(path, "gs://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%q is not a gs://bucket/object path", path)
	}
	return parts[0], parts[1], nil
}

// stackedReadCloser closes every layer of a decoding stack, outermost first.
type stackedReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReadCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
