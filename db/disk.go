package db

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// SpaceChecker reports free space available to restored data.
type SpaceChecker interface {
	FreeBytes(ctx context.Context) (uint64, error)
}

// DiskSpace reports the free space of the file system holding Path.
type DiskSpace struct {
	Path string
}

func (d DiskSpace) FreeBytes(ctx context.Context) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, d.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage of %s: %w", d.Path, err)
	}
	return usage.Free, nil
}
