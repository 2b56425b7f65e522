package coordination

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/marmot-restore/encoding"
)

// Key layout:
//
//	/restore/{id}/ids/{key}            -> agreed identifier
//	/restore/{id}/stages/{host}/{name} -> msgpack StageReport
const (
	prefixRestore = "/restore/"
	segmentIDs    = "/ids/"
	segmentStages = "/stages/"
)

// Store persists coordination state so a restarted coordinator hands out the
// same identifiers it agreed before.
type Store struct {
	db   *pebble.DB
	path string
}

// OpenStore opens (or creates) the coordination store at path.
func OpenStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination store at %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveIdentifier persists an agreed identifier.
func (s *Store) SaveIdentifier(restoreID, key, id string) error {
	k := prefixRestore + restoreID + segmentIDs + key
	if err := s.db.Set([]byte(k), []byte(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist identifier %s: %w", key, err)
	}
	return nil
}

// Identifiers returns every identifier agreed for a restore.
func (s *Store) Identifiers(restoreID string) (map[string]string, error) {
	prefix := []byte(prefixRestore + restoreID + segmentIDs)
	ids := make(map[string]string)
	err := s.scan(prefix, func(key, val []byte) error {
		ids[string(key[len(prefix):])] = string(val)
		return nil
	})
	return ids, err
}

// SaveStageReport persists a stage report.
func (s *Store) SaveStageReport(restoreID string, r StageReport) error {
	val, err := encoding.Marshal(&r)
	if err != nil {
		return fmt.Errorf("failed to marshal stage report: %w", err)
	}
	k := prefixRestore + restoreID + segmentStages + r.Host + "/" + r.Stage
	if err := s.db.Set([]byte(k), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist stage report: %w", err)
	}
	return nil
}

// StageReports returns every persisted stage report of a restore.
func (s *Store) StageReports(restoreID string) ([]StageReport, error) {
	var reports []StageReport
	err := s.scan([]byte(prefixRestore+restoreID+segmentStages), func(key, val []byte) error {
		var r StageReport
		if err := encoding.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("corrupted stage report %s: %w", key, err)
		}
		reports = append(reports, r)
		return nil
	})
	return reports, err
}

// Forget removes all state of a finished restore.
func (s *Store) Forget(restoreID string) error {
	prefix := []byte(prefixRestore + restoreID + "/")
	return s.db.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync)
}

func (s *Store) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
