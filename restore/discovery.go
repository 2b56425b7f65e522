package restore

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/marmot-restore/backup"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// findDatabasesAndTables reads the definitions of everything the request
// names and waits for all lookups.
func (r *Restorer) findDatabasesAndTables(ctx context.Context) error {
	for _, e := range r.config.Elements {
		var err error
		switch e.Type {
		case ElementTable:
			err = r.findTable(ctx, schema.QualifiedName{Database: e.Database, Table: e.Table}, false, e.Partitions)
		case ElementTemporaryTable:
			err = r.findTable(ctx, schema.QualifiedName{Database: schema.TemporaryDatabase, Table: e.Table}, false, e.Partitions)
		case ElementDatabase:
			err = r.findDatabase(ctx, e.Database, exceptTables(e.ExceptTables))
		case ElementEverything:
			err = r.findEverything(ctx, e.ExceptDatabases, exceptTables(e.ExceptTables))
		}
		if err != nil {
			return err
		}
	}
	return r.tasks.wait(true)
}

func exceptTables(names []schema.QualifiedName) map[schema.QualifiedName]struct{} {
	set := make(map[schema.QualifiedName]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (r *Restorer) findTable(ctx context.Context, nameInBackup schema.QualifiedName, skipIfInner bool, partitions []string) error {
	return r.tasks.schedule(ctx, "find-table", func(ctx context.Context) error {
		return r.findTableImpl(ctx, nameInBackup, skipIfInner, partitions)
	})
}

func (r *Restorer) findTableImpl(ctx context.Context, nameInBackup schema.QualifiedName, skipIfInner bool, partitions []string) error {
	var metadataPath, rootInUse string
	for _, root := range r.rootPaths {
		p := tableMetadataPath(root, nameInBackup)
		exists, err := r.config.Backup.FileExists(ctx, p)
		if err != nil {
			return errors.Wrapf(err, "failed to look for %s in backup", nameInBackup.Describe())
		}
		if exists {
			metadataPath, rootInUse = p, root
			break
		}
	}
	if metadataPath == "" {
		return notFoundf("%s not found in backup", nameInBackup.Describe())
	}
	dataPath := tableDataPath(rootInUse, nameInBackup)

	name := r.renaming.NewTableName(nameInBackup)
	if skipIfInner && r.isInnerTable(name) {
		log.Debug().Str("table", name.String()).Msg("Skipping inner table")
		return nil
	}

	def, err := r.readDefinition(ctx, metadataPath, nameInBackup.Database)
	if err != nil {
		return errors.Wrapf(err, "while reading %s from backup", nameInBackup.Describe())
	}
	def.Rename(r.renaming.NewDatabaseName, r.renaming.NewTableName)
	if def.Name != name {
		return inconsistencyf("definition of %s in backup describes %s %s", nameInBackup.Describe(), def.Kind, def.Name)
	}
	text := def.Text()

	predefined := r.config.Catalog.IsPredefinedTable(name)
	dependencies := def.Dependencies()
	hasData, err := r.config.Backup.HasFiles(ctx, dataPath)
	if err != nil {
		return errors.Wrapf(err, "failed to look for data of %s in backup", nameInBackup.Describe())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.tables[name]
	if ok && info.def != nil && info.text != text {
		return inconsistencyf("extracted two different create queries for the same %s: %s and %s",
			name.Describe(), info.text, text)
	}
	if !ok {
		info = &tableInfo{}
		r.tables[name] = info
	}
	info.def = def
	info.text = text
	info.predefined = predefined
	info.hasData = hasData
	info.dataPath = dataPath

	r.graph.AddDependencies(name, dependencies)

	if len(partitions) > 0 {
		info.partitions = unionPartitions(info.partitions, partitions)
	}
	return nil
}

func unionPartitions(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, p := range have {
		seen[p] = struct{}{}
	}
	for _, p := range add {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			have = append(have, p)
		}
	}
	return have
}

func (r *Restorer) isInnerTable(name schema.QualifiedName) bool {
	for _, g := range r.inner {
		if g.Match(name.Table) {
			return true
		}
	}
	return false
}

func (r *Restorer) findDatabase(ctx context.Context, nameInBackup string, except map[schema.QualifiedName]struct{}) error {
	return r.tasks.schedule(ctx, "find-database", func(ctx context.Context) error {
		return r.findDatabaseImpl(ctx, nameInBackup, except)
	})
}

func (r *Restorer) findDatabaseImpl(ctx context.Context, nameInBackup string, except map[schema.QualifiedName]struct{}) error {
	temporary := nameInBackup == schema.TemporaryDatabase

	var metadataPath string
	tableNames := make(map[string]struct{})
	for _, root := range r.rootPaths {
		var tryMetadata, tablesDir string
		if temporary {
			tablesDir = path.Join(root, "temporary_tables", "metadata")
		} else {
			tryMetadata = path.Join(root, "metadata", escapeName(nameInBackup)+".sql")
			tablesDir = path.Join(root, "metadata", escapeName(nameInBackup))
		}

		if metadataPath == "" && tryMetadata != "" {
			exists, err := r.config.Backup.FileExists(ctx, tryMetadata)
			if err != nil {
				return errors.Wrapf(err, "failed to look for database %s in backup", schema.QuoteIdent(nameInBackup))
			}
			if exists {
				metadataPath = tryMetadata
			}
		}

		files, err := r.config.Backup.ListFiles(ctx, tablesDir, false)
		if err != nil {
			return errors.Wrapf(err, "failed to list tables of database %s in backup", schema.QuoteIdent(nameInBackup))
		}
		for _, file := range files {
			if table, ok := trimSQL(file); ok {
				tableNames[unescapeName(table)] = struct{}{}
			}
		}
	}

	if metadataPath == "" && len(tableNames) == 0 {
		return notFoundf("database %s not found in backup", schema.QuoteIdent(nameInBackup))
	}

	if metadataPath != "" {
		if err := r.recordDatabase(ctx, nameInBackup, metadataPath); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(tableNames))
	for table := range tableNames {
		names = append(names, table)
	}
	sort.Strings(names)

	for _, table := range names {
		tableInBackup := schema.QualifiedName{Database: nameInBackup, Table: table}
		if _, skip := except[tableInBackup]; skip {
			continue
		}
		if err := r.findTable(ctx, tableInBackup, true, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Restorer) recordDatabase(ctx context.Context, nameInBackup, metadataPath string) error {
	def, err := r.readDefinition(ctx, metadataPath, "")
	if err != nil {
		return errors.Wrapf(err, "while reading database %s from backup", schema.QuoteIdent(nameInBackup))
	}
	def.Rename(r.renaming.NewDatabaseName, r.renaming.NewTableName)
	text := def.Text()

	name := r.renaming.NewDatabaseName(nameInBackup)
	predefined := r.config.Catalog.IsPredefinedDatabase(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.databases[name]
	if ok && info.text != text {
		return inconsistencyf("extracted two different create queries for the same database %s: %s and %s",
			schema.QuoteIdent(name), info.text, text)
	}
	if !ok {
		info = &databaseInfo{}
		r.databases[name] = info
	}
	info.def = def
	info.text = text
	info.predefined = predefined
	return nil
}

func (r *Restorer) findEverything(ctx context.Context, exceptDatabases []string, except map[schema.QualifiedName]struct{}) error {
	databases := make(map[string]struct{})
	for _, root := range r.rootPaths {
		files, err := r.config.Backup.ListFiles(ctx, path.Join(root, "metadata"), false)
		if err != nil {
			return errors.Wrap(err, "failed to list databases in backup")
		}
		for _, file := range files {
			name, _ := trimSQL(file)
			databases[unescapeName(name)] = struct{}{}
		}

		hasTemporary, err := r.config.Backup.HasFiles(ctx, path.Join(root, "temporary_tables", "metadata"))
		if err != nil {
			return errors.Wrap(err, "failed to look for temporary tables in backup")
		}
		if hasTemporary {
			databases[schema.TemporaryDatabase] = struct{}{}
		}
	}

	for _, name := range exceptDatabases {
		delete(databases, name)
	}

	names := make([]string, 0, len(databases))
	for name := range databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.findDatabase(ctx, name, except); err != nil {
			return err
		}
	}
	return nil
}

func (r *Restorer) readDefinition(ctx context.Context, p, defaultDatabase string) (*schema.Definition, error) {
	data, err := backup.ReadAll(ctx, r.config.Backup, p)
	if err != nil {
		return nil, err
	}
	return r.config.Parser.Parse(strings.TrimSpace(string(data)), defaultDatabase)
}
