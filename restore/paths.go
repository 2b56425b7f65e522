package restore

import (
	"context"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// RootPathOptions identify the subtree of a backup a host restores from.
type RootPathOptions struct {
	// ShardNum and ReplicaNum request a specific shard and replica of the
	// backup. Zero means not requested.
	ShardNum   int
	ReplicaNum int

	// HostShardNum and HostReplicaNum are the restoring host's own position.
	HostShardNum   int
	HostReplicaNum int
}

// ResolveRootPaths returns the root paths to search, most specific first:
// "/shards/<s>/replicas/<r>", "/shards/<s>", "/".
func ResolveRootPaths(ctx context.Context, reader backup.Reader, opts RootPathOptions) ([]string, error) {
	if opts.HostShardNum <= 0 {
		opts.HostShardNum = 1
	}
	if opts.HostReplicaNum <= 0 {
		opts.HostReplicaNum = 1
	}

	root := "/"
	paths := []string{root}

	shards, err := reader.ListFiles(ctx, path.Join(root, "shards"), false)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		if opts.ShardNum > 1 {
			return nil, notFoundf("no shard #%d in backup", opts.ShardNum)
		}
	} else {
		var shard string
		switch {
		case opts.ShardNum > 0:
			shard = strconv.Itoa(opts.ShardNum)
		case len(shards) == 1:
			shard = shards[0]
		default:
			shard = strconv.Itoa(opts.HostShardNum)
		}
		if !contains(shards, shard) {
			return nil, notFoundf("no shard #%s in backup", shard)
		}
		root = path.Join(root, "shards", shard)
		paths = append(paths, root)
	}

	replicas, err := reader.ListFiles(ctx, path.Join(root, "replicas"), false)
	if err != nil {
		return nil, err
	}
	if len(replicas) == 0 {
		if opts.ReplicaNum > 1 {
			return nil, notFoundf("no replica #%d in backup", opts.ReplicaNum)
		}
	} else {
		var replica string
		if opts.ReplicaNum > 0 {
			replica = strconv.Itoa(opts.ReplicaNum)
			if !contains(replicas, replica) {
				return nil, notFoundf("no replica #%s in backup", replica)
			}
		} else {
			replica = strconv.Itoa(opts.HostReplicaNum)
			if !contains(replicas, replica) {
				replica = replicas[0]
			}
		}
		root = path.Join(root, "replicas", replica)
		paths = append(paths, root)
	}

	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}

	log.Debug().Strs("paths", paths).Msg("Using root paths in backup")
	return paths, nil
}

// FindShardAndReplica returns the 1-based position of hostID in the cluster
// host list. Unknown hosts are shard 1, replica 1.
func FindShardAndReplica(clusterHosts [][]string, hostID string) (shard, replica int) {
	for i, replicas := range clusterHosts {
		for j, host := range replicas {
			if host == hostID {
				return i + 1, j + 1
			}
		}
	}
	return 1, 1
}

// FilterHosts returns the hosts taking part in a restore limited to shard and
// replica. Zero means any.
func FilterHosts(clusterHosts [][]string, shard, replica int) []string {
	var hosts []string
	for i, replicas := range clusterHosts {
		if shard > 0 && shard != i+1 {
			continue
		}
		for j, host := range replicas {
			if replica > 0 && replica != j+1 {
				continue
			}
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// escapeName turns an object name into a backup path segment.
func escapeName(name string) string {
	return url.PathEscape(name)
}

func unescapeName(segment string) string {
	name, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return name
}

func tableMetadataPath(root string, name schema.QualifiedName) string {
	if name.IsTemporary() {
		return path.Join(root, "temporary_tables", "metadata", escapeName(name.Table)+".sql")
	}
	return path.Join(root, "metadata", escapeName(name.Database), escapeName(name.Table)+".sql")
}

func tableDataPath(root string, name schema.QualifiedName) string {
	if name.IsTemporary() {
		return path.Join(root, "temporary_tables", "data", escapeName(name.Table))
	}
	return path.Join(root, "data", escapeName(name.Database), escapeName(name.Table))
}

func trimSQL(fileName string) (string, bool) {
	if !strings.HasSuffix(fileName, ".sql") {
		return fileName, false
	}
	return strings.TrimSuffix(fileName, ".sql"), true
}
