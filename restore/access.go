package restore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/marmot-restore/access"
	"github.com/maxpert/marmot-restore/db"
	"github.com/maxpert/marmot-restore/schema"
	"github.com/rs/zerolog/log"
)

// RequiredAccess returns the privileges needed to restore what was found in
// the backup.
func (r *Restorer) RequiredAccess() access.Elements {
	r.mu.Lock()
	defer r.mu.Unlock()

	var required access.Elements

	for _, name := range r.databaseNamesLocked() {
		info := r.databases[name]
		if info.predefined {
			continue
		}
		flags := access.ShowDatabases
		if r.settings.CreateDatabase != MustExist {
			flags = access.CreateDatabase
		}
		required = append(required, access.Element{Flags: flags, Database: name})
	}

	restoresData := func(info *tableInfo) bool {
		return !r.settings.StructureOnly && info.hasData
	}

	names := make([]schema.QualifiedName, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sortNames(names)

	for _, name := range names {
		info := r.tables[name]

		if info.predefined {
			switch db.ClassifySystemTable(name) {
			case db.SystemTableFunctions:
				if restoresData(info) {
					required = append(required, access.Element{Flags: access.CreateFunction})
				}
			case db.SystemTableAccounts:
				if restoresData(info) {
					required = append(required, access.Element{Flags: access.CreateUser})
				}
			}
			continue
		}

		if name.IsTemporary() {
			if r.settings.CreateTable != MustExist {
				required = append(required, access.Element{Flags: access.CreateTemporaryTable})
			}
			continue
		}

		var flags access.Flags
		if r.settings.CreateTable != MustExist {
			if info.def.Kind == schema.KindView {
				flags |= access.CreateView
			} else {
				flags |= access.CreateTable
			}
		}
		if restoresData(info) {
			flags |= access.Insert
		}
		if flags == 0 {
			flags = access.ShowTables
		}
		required = append(required, access.Element{Flags: flags, Database: name.Database, Table: name.Table})
	}
	return required
}

// checkAccess fails when the caller lacks a required privilege. The access
// control is consulted only when the caller's rights do not already cover
// the requirement.
func (r *Restorer) checkAccess(ctx context.Context) error {
	required := r.RequiredAccess()
	if len(required) == 0 {
		return nil
	}

	rights, err := r.config.Access.EffectiveRights(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get effective rights")
	}
	if rights != nil && rights.Contains(required) {
		log.Debug().Int("elements", len(required)).Msg("Current rights cover the restore")
		return nil
	}

	if err := r.config.Access.Check(ctx, required); err != nil {
		return errors.Mark(err, ErrAuthorization)
	}
	return nil
}
