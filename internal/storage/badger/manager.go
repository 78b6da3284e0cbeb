package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	locks  *jobLocks
	jobs   interfaces.JobStorage
	tasks  interfaces.TaskStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager. The job and task
// repositories share the per-job lock table so that task completion and
// job advancement serialize on the same lock.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	locks := newJobLocks()
	jobs := NewJobStorage(db, locks, logger)
	tasks := NewTaskStorage(db, locks, jobs, logger)

	manager := &Manager{
		db:     db,
		locks:  locks,
		jobs:   jobs,
		tasks:  tasks,
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

// TaskStorage returns the Task storage interface
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.tasks
}

// DB returns the underlying badgerhold store
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
