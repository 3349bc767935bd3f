package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/platforma-dev/batchmigrate/log"
)

type service struct {
	repo *repository
}

func newService(repo *repository) *service {
	return &service{repo: repo}
}

func (s *service) getMigrationLogs(ctx context.Context) ([]migrationLog, error) {
	logs, err := s.repo.getMigrationLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration logs: %w", err)
	}
	return logs, nil
}

func (s *service) saveMigrationLogs(ctx context.Context, migrations []Migration) error {
	masterErr := error(nil)
	for _, migr := range migrations {
		err := s.repo.saveMigrationLog(ctx, migrationLog{Repository: migr.repository, MigrationID: migr.ID, Timestamp: time.Now().UTC()})
		if err != nil {
			masterErr = errors.Join(masterErr, fmt.Errorf("failed to save migration log: %w", err))
		}
	}

	return masterErr
}

// migrateSelf creates the migration log table. On a fresh database the log query
// fails, which is expected and treated as "nothing applied yet".
func (s *service) migrateSelf(ctx context.Context) error {
	applied, err := s.repo.getMigrationLogs(ctx)
	if err != nil {
		log.InfoContext(ctx, "migrations log table does not exist yet")
	}

	migrations := s.repo.migrations()
	for i := range migrations {
		migrations[i].repository = schemaRepository
	}

	return s.applyMigrations(ctx, migrations, applied)
}

func (s *service) applyMigrations(ctx context.Context, migrations []Migration, applied []migrationLog) error {
	appliedNow := []Migration{}
	for _, migr := range migrations {
		if slices.ContainsFunc(applied, func(l migrationLog) bool {
			return l.Repository == migr.repository && l.MigrationID == migr.ID
		}) {
			log.DebugContext(ctx, "migration skipped", "repository", migr.repository, "migrationId", migr.ID)
			continue
		}

		err := s.repo.executeQuery(ctx, migr.Up)
		if err != nil {
			revertErr := s.revertMigrations(ctx, appliedNow)
			if revertErr != nil {
				log.ErrorContext(ctx, "got error(s) trying to revert migrations", "error", revertErr)
			}
			return fmt.Errorf("failed to apply migration %s/%s: %w", migr.repository, migr.ID, err)
		}
		log.InfoContext(ctx, "migration applied", "repository", migr.repository, "migrationId", migr.ID)
		appliedNow = append(appliedNow, migr)
	}

	err := s.saveMigrationLogs(ctx, appliedNow)
	if err != nil {
		log.ErrorContext(ctx, "got error(s) trying to save migration logs", "error", err.Error())
	}

	return nil
}

func (s *service) revertMigrations(ctx context.Context, migrations []Migration) error {
	masterErr := error(nil)
	for _, migr := range slices.Backward(migrations) {
		if migr.Down == "" {
			continue
		}
		err := s.repo.executeQuery(ctx, migr.Down)
		if err != nil {
			masterErr = errors.Join(masterErr, fmt.Errorf("failed to revert migration %s: %w", migr.ID, err))
		}
	}

	return masterErr
}
