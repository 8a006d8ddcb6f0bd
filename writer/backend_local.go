package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalBackend writes parquet files under a data directory.
type LocalBackend struct {
	dataDir     string
	compression string
}

func NewLocalBackend(dataDir, compression string) *LocalBackend {
	return &LocalBackend{dataDir: dataDir, compression: compression}
}

func (b *LocalBackend) Name() string { return "local" }

// Write stores the batch through a temp file and rename so readers never see
// a partial parquet file.
func (b *LocalBackend) Write(_ context.Context, batch Batch) (int64, error) {
	data, err := encodeParquet(batch, b.compression)
	if err != nil {
		return 0, err
	}

	dst := filepath.Join(b.dataDir, filepath.FromSlash(objectKey(batch)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create partition dir: %w", err)
	}

	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename %s: %w", dst, err)
	}
	return int64(len(data)), nil
}

func (b *LocalBackend) Close() error { return nil }
