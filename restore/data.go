package restore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/db"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// dataTaskQueue is handed to storages while data is inserted. Tasks can only
// be added during StageInsertingData.
type dataTaskQueue struct {
	r *Restorer
}

func (q dataTaskQueue) Add(task db.DataTask) error {
	return q.AddAll([]db.DataTask{task})
}

func (q dataTaskQueue) AddAll(tasks []db.DataTask) error {
	if stage := q.r.stages.Current(); stage != StageInsertingData {
		return errors.AssertionFailedf("adding of data-restoring tasks is not allowed in stage %q", stage)
	}
	q.r.mu.Lock()
	defer q.r.mu.Unlock()
	q.r.dataTasks = append(q.r.dataTasks, tasks...)
	return nil
}

type tableData struct {
	name       schema.QualifiedName
	storage    db.Storage
	dataPath   string
	partitions []string
	hasData    bool
}

func (r *Restorer) tablesWithData() []tableData {
	r.mu.Lock()
	defer r.mu.Unlock()

	tables := make([]tableData, 0, len(r.tables))
	for name, info := range r.tables {
		tables = append(tables, tableData{
			name:       name,
			storage:    info.storage,
			dataPath:   info.dataPath,
			partitions: info.partitions,
			hasData:    info.hasData,
		})
	}
	return tables
}

// insertData asks every table's storage to restore its data. Storages add
// the actual work as follow-up tasks.
func (r *Restorer) insertData(ctx context.Context) error {
	if r.settings.StructureOnly {
		return nil
	}

	tables := r.tablesWithData()
	if err := r.checkFreeSpace(ctx, tables); err != nil {
		return err
	}

	queue := dataTaskQueue{r: r}
	for _, t := range tables {
		t := t
		err := r.tasks.schedule(ctx, "restore-table-data", func(ctx context.Context) error {
			if err := r.insertTableData(ctx, t, queue); err != nil {
				return errors.Wrapf(err, "while restoring data of %s", t.name.Describe())
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return r.tasks.wait(true)
}

func (r *Restorer) insertTableData(ctx context.Context, t tableData, queue dataTaskQueue) error {
	if t.storage == nil {
		return errors.AssertionFailedf("%s was not checked before restoring its data", t.name.Describe())
	}
	if len(t.partitions) > 0 && !t.storage.SupportsPartitions() {
		engine := t.storage.Engine()
		if engine == "" {
			engine = "of this table"
		}
		return errors.Mark(errors.Newf("table engine %s doesn't support partitions", engine), ErrCapability)
	}

	err := t.storage.RestoreData(ctx, db.DataRestore{
		Backup:        r.config.Backup,
		DataPath:      t.dataPath,
		Partitions:    t.partitions,
		HasData:       t.hasData,
		AllowNonEmpty: r.settings.AllowNonEmptyTables,
		Tasks:         queue,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.restored++
	r.mu.Unlock()
	return nil
}

// checkFreeSpace fails when the target has less room than the table data
// stored in the backup.
func (r *Restorer) checkFreeSpace(ctx context.Context, tables []tableData) error {
	sizer, ok := r.config.Backup.(backup.Sizer)
	if r.config.Space == nil || !ok {
		return nil
	}

	var needed int64
	for _, t := range tables {
		if !t.hasData {
			continue
		}
		size, err := sizer.TotalSize(ctx, t.dataPath)
		if err != nil {
			return errors.Wrapf(err, "failed to measure data of %s", t.name.Describe())
		}
		needed += size
	}
	if needed == 0 {
		return nil
	}

	free, err := r.config.Space.FreeBytes(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get free space")
	}
	if uint64(needed) > free {
		return errors.Mark(errors.Newf("not enough free space to restore data: need %s, have %s",
			humanize.IBytes(uint64(needed)), humanize.IBytes(free)), ErrResourceExhausted)
	}
	log.Debug().Str("needed", humanize.IBytes(uint64(needed))).Str("free", humanize.IBytes(free)).Msg("Free space checked")
	return nil
}

// runDataRestoreTasks runs the follow-up tasks added by storages until no
// task adds more.
func (r *Restorer) runDataRestoreTasks(ctx context.Context) error {
	for {
		r.mu.Lock()
		batch := r.dataTasks
		r.dataTasks = nil
		r.mu.Unlock()

		if len(batch) == 0 {
			return nil
		}

		for _, task := range batch {
			task := task
			if err := r.tasks.schedule(ctx, "restore-data", func(ctx context.Context) error {
				return task(ctx)
			}); err != nil {
				return err
			}
		}
		if err := r.tasks.wait(true); err != nil {
			return err
		}
	}
}

// finalizeTables lets every storage finish its restore.
func (r *Restorer) finalizeTables(ctx context.Context) error {
	for _, t := range r.tablesWithData() {
		if t.storage == nil {
			continue
		}
		if err := t.storage.FinalizeRestore(ctx); err != nil {
			return errors.Wrapf(err, "while finalizing %s", t.name.Describe())
		}
	}
	return nil
}
