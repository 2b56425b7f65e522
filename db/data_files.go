package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/encoding"
)

// dataFiles lists the row files of a table below req.DataPath. With a
// partition filter only files under data/<db>/<table>/<partition>/ count.
func dataFiles(ctx context.Context, req DataRestore) ([]string, error) {
	names, err := req.Backup.ListFiles(ctx, req.DataPath, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list data files: %w", err)
	}

	var wanted map[string]struct{}
	if len(req.Partitions) > 0 {
		wanted = make(map[string]struct{}, len(req.Partitions))
		for _, p := range req.Partitions {
			wanted[p] = struct{}{}
		}
	}

	var files []string
	for _, name := range names {
		if !encoding.IsDataFile(name) {
			continue
		}
		if wanted != nil {
			partition, _, nested := strings.Cut(name, "/")
			if !nested {
				continue
			}
			if _, ok := wanted[partition]; !ok {
				continue
			}
		}
		files = append(files, path.Join(req.DataPath, name))
	}
	return files, nil
}

// readDataFile streams the batches of one row file to fn.
func readDataFile(ctx context.Context, r backup.Reader, p string, fn func(encoding.RowBatch) error) error {
	rc, err := r.ReadFile(ctx, p)
	if err != nil {
		return err
	}
	defer rc.Close()

	rows, err := encoding.NewRowReader(rc)
	if err != nil {
		return fmt.Errorf("failed to open data file %s: %w", p, err)
	}
	defer rows.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}
