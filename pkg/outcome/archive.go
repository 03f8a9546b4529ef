package outcome

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
)

// Archive uploads every non-empty log of a closed session to the bucket at
// bucketURL as <name>.gz and returns the keys written.
func (s *Session) Archive(ctx context.Context, bucketURL string) ([]string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		return nil, fmt.Errorf("archive: session %s still open", s.id)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	successPath, errorPath := s.Paths()
	success, errs := s.Counts()

	var keys []string
	for _, entry := range []struct {
		path  string
		count int
	}{
		{successPath, success},
		{errorPath, errs},
	} {
		if entry.count == 0 {
			continue
		}
		key := filepath.Base(entry.path) + ".gz"
		if err := uploadGzip(ctx, bucket, key, entry.path); err != nil {
			return keys, err
		}
		s.logger.Info().
			Str("bucket", bucketURL).
			Str("key", key).
			Int("records", entry.count).
			Msg("Log archived")
		keys = append(keys, key)
	}
	return keys, nil
}

func uploadGzip(ctx context.Context, bucket *blob.Bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return upload(ctx, bucket, key, f)
}

// upload writes r gzip-compressed to key. On failure the writer's context is
// cancelled before Close so no partial object is committed.
func upload(ctx context.Context, bucket *blob.Bucket, key string, r io.Reader) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			cancel()
		}
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", key, cerr)
		}
	}()

	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, r); err != nil {
		return fmt.Errorf("compress %s: %w", key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress %s: %w", key, err)
	}
	return nil
}
