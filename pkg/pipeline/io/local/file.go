package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
)

// BucketedFile stores bucketed rows as a CSV file.
type BucketedFile struct {
	Path string
}

var _ core.OutputAdapter[normalize.BucketedRecord] = BucketedFile{}

func (f BucketedFile) Store(_ context.Context, rows []normalize.BucketedRecord) error {
	return WriteFileAtomic(f.Path, func(w io.Writer) error {
		return WriteBucketedCSV(w, rows)
	})
}

// WriteFileAtomic writes path through a temp file in the same directory and renames it into place,
// so readers never observe a partial file.
func WriteFileAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
