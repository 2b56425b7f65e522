package restore

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

func (r *Restorer) createAndCheckDatabases(ctx context.Context) error {
	for _, name := range r.Databases() {
		name := name
		err := r.tasks.schedule(ctx, "create-database", func(ctx context.Context) error {
			return r.createAndCheckDatabase(ctx, name)
		})
		if err != nil {
			return err
		}
	}
	return r.tasks.wait(true)
}

func (r *Restorer) createAndCheckDatabase(ctx context.Context, name string) error {
	r.mu.Lock()
	info := r.databases[name]
	def, predefined := info.def, info.predefined
	r.mu.Unlock()

	if err := r.createDatabase(ctx, def, predefined); err != nil {
		return errors.Wrapf(err, "while creating database %s", schema.QuoteIdent(name))
	}
	if err := r.checkDatabase(ctx, name, info); err != nil {
		return errors.Wrapf(err, "while checking database %s", schema.QuoteIdent(name))
	}
	return nil
}

func (r *Restorer) createDatabase(ctx context.Context, fromBackup *schema.Definition, predefined bool) error {
	if r.settings.CreateDatabase == MustExist || predefined {
		return nil
	}

	def := fromBackup.Clone()
	if err := r.config.Coordination.AgreeIdentifier(ctx, def); err != nil {
		return err
	}
	def.SetIfNotExists(r.settings.CreateDatabase == CreateIfNotExists)

	log.Debug().Str("database", def.Name.Database).Str("id", def.ID).Msg("Creating database")
	return r.config.Catalog.CreateDatabase(ctx, def)
}

func (r *Restorer) checkDatabase(ctx context.Context, name string, info *databaseInfo) error {
	database, err := r.config.Catalog.Database(ctx, name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	info.database = database
	fromBackup, text, predefined := info.def, info.text, info.predefined
	r.mu.Unlock()

	if r.settings.AllowDifferentDatabaseDef || predefined {
		return nil
	}

	existing, err := database.Definition(ctx)
	if err != nil {
		return err
	}
	if !schema.EqualRestored(existing, fromBackup) {
		return mismatch("database", name, existing.Text(), text)
	}
	return nil
}

// removeUnresolvedDependencies drops dependencies on tables that are not
// restored. A dependency that exists on the target is fine. A missing one
// fails the restore unless AllowMissingDependencies is set, in which case it
// is logged and ignored.
func (r *Restorer) removeUnresolvedDependencies(ctx context.Context) error {
	r.mu.Lock()
	var external []schema.QualifiedName
	dependents := make(map[schema.QualifiedName][]schema.QualifiedName)
	for _, name := range r.graph.Tables() {
		if _, restored := r.tables[name]; restored {
			continue
		}
		if len(r.graph.Dependencies(name)) > 0 || len(r.graph.Dependents(name)) == 0 {
			r.mu.Unlock()
			return errors.AssertionFailedf(
				"table %s in backup doesn't have dependencies and dependent tables as it expected to", name)
		}
		external = append(external, name)
		dependents[name] = r.graph.Dependents(name)
	}
	r.mu.Unlock()

	// Catalog lookups run without r.mu held.
	for _, name := range external {
		exists, err := r.config.Catalog.TableExists(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "failed to look up %s", name.Describe())
		}
		if exists {
			log.Debug().Str("table", name.String()).Msg("Dependency already exists on target")
			continue
		}
		if !r.settings.AllowMissingDependencies {
			return errors.AssertionFailedf(
				"tables %s in backup depend on %s, which is neither in the backup nor on the target",
				joinNames(dependents[name]), name)
		}
		log.Warn().
			Str("table", name.String()).
			Str("dependents", joinNames(dependents[name])).
			Msg("Tables depend on a table that is neither in the backup nor on the target, restoring them anyway")
	}

	unresolved := make(map[schema.QualifiedName]struct{}, len(external))
	for _, name := range external {
		unresolved[name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph.RemoveTablesIf(func(name schema.QualifiedName) bool {
		_, ok := unresolved[name]
		return ok
	})

	if r.graph.Len() != len(r.tables) {
		return errors.AssertionFailedf("number of tables to be restored is not as expected: %d in dependency graph, %d found",
			r.graph.Len(), len(r.tables))
	}

	if r.graph.HasCycles() {
		log.Warn().
			Str("tables", joinNames(r.graph.CyclicTables())).
			Str("cycles", r.graph.DescribeCycles()).
			Msg("Tables in backup have cyclic dependencies, restoring them anyway")
	}
	return nil
}

func joinNames(names []schema.QualifiedName) string {
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name.String()
	}
	return strings.Join(parts, ", ")
}

// createAndCheckTables creates tables level by level so that every table is
// created after the tables it depends on.
func (r *Restorer) createAndCheckTables(ctx context.Context) error {
	r.mu.Lock()
	levels := r.graph.Levels()
	r.mu.Unlock()

	for i, level := range levels {
		log.Debug().Int("level", i).Int("tables", len(level)).Msg("Creating tables")
		for _, name := range level {
			name := name
			err := r.tasks.schedule(ctx, "create-table", func(ctx context.Context) error {
				if err := checkCancelled(ctx); err != nil {
					return err
				}
				if err := r.createTable(ctx, name); err != nil {
					return errors.Wrapf(err, "while creating %s", name.Describe())
				}
				if err := r.checkTable(ctx, name); err != nil {
					return errors.Wrapf(err, "while checking %s", name.Describe())
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := r.tasks.wait(true); err != nil {
			return err
		}
	}
	return nil
}

// substituteEngine applies the configured engine substitution to def and
// reports whether the engine changed.
func (r *Restorer) substituteEngine(def *schema.Definition) bool {
	engine := def.Engine()
	if engine == "" {
		return false
	}
	for from, to := range r.settings.EngineSubstitution {
		if strings.EqualFold(from, engine) && !strings.EqualFold(to, engine) {
			def.SetEngine(to)
			return true
		}
	}
	return false
}

func (r *Restorer) createTable(ctx context.Context, name schema.QualifiedName) error {
	if r.settings.CreateTable == MustExist {
		return nil
	}

	r.mu.Lock()
	info := r.tables[name]
	if info.predefined {
		r.mu.Unlock()
		return nil
	}
	def := info.def.Clone()
	database := info.database
	r.mu.Unlock()

	// Views have no IF NOT EXISTS clause.
	if def.Kind == schema.KindView && r.settings.CreateTable == CreateIfNotExists {
		exists, err := r.config.Catalog.TableExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			log.Debug().Str("table", name.String()).Msg("View already exists, not creating it")
			return nil
		}
	}

	if err := r.config.Coordination.AgreeIdentifier(ctx, def); err != nil {
		return err
	}
	def.SetIfNotExists(r.settings.CreateTable == CreateIfNotExists)
	if r.substituteEngine(def) {
		log.Info().Str("table", name.String()).Str("engine", def.Engine()).Msg("Substituting table engine")
	}

	log.Debug().Str("table", name.String()).Str("definition", def.Text()).Msg("Creating table")

	if database == nil {
		var err error
		database, err = r.config.Catalog.Database(ctx, name.Database)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if info.database == nil {
			info.database = database
		}
		r.mu.Unlock()
	}

	if err := database.CreateTable(ctx, def, r.config.Coordination, r.settings.CreateTableTimeout); err != nil {
		return err
	}

	r.mu.Lock()
	r.created++
	r.mu.Unlock()
	return nil
}

func (r *Restorer) checkTable(ctx context.Context, name schema.QualifiedName) error {
	r.mu.Lock()
	info := r.tables[name]
	database := info.database
	r.mu.Unlock()

	if database == nil {
		var err error
		database, err = r.config.Catalog.Database(ctx, name.Database)
		if err != nil {
			return err
		}
	}

	storage, err := r.config.Catalog.Table(ctx, name)
	if err != nil {
		return err
	}

	// Held until Close.
	lock, err := storage.LockForShare(ctx, r.config.Owner)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if info.database == nil {
		info.database = database
	}
	info.storage = storage
	if info.lock != nil {
		info.lock.Release()
	}
	info.lock = lock
	fromBackup, predefined := info.def, info.predefined
	r.mu.Unlock()

	if r.settings.AllowDifferentTableDef || predefined {
		return nil
	}

	existing, err := storage.Definition(ctx)
	if err != nil {
		return err
	}

	expected := fromBackup.Clone()
	equal := schema.EqualRestored
	if r.substituteEngine(expected) {
		equal = schema.EqualIgnoringEngine
	}
	if !equal(existing, expected) {
		return mismatch("table", name.String(), existing.Text(), fromBackup.Text())
	}
	return nil
}
