package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wisefido-medication/internal/models"
)

// MemoryCommandsRepo supports running the engine without a database and
// backs service-level tests.
type MemoryCommandsRepo struct {
	mu       sync.RWMutex
	commands map[string]models.MedicationCommand // commandID -> value copy
}

func NewMemoryCommandsRepo() *MemoryCommandsRepo {
	return &MemoryCommandsRepo{commands: map[string]models.MedicationCommand{}}
}

func (r *MemoryCommandsRepo) GetCommand(_ context.Context, commandID string) (*models.MedicationCommand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("medication command %s: %w", commandID, ErrNotFound)
	}
	out := cmd
	return &out, nil
}

func (r *MemoryCommandsRepo) CreateCommand(_ context.Context, cmd *models.MedicationCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.CommandID]; exists {
		return fmt.Errorf("medication command %s already exists: %w", cmd.CommandID, ErrConflict)
	}
	r.commands[cmd.CommandID] = *cmd
	return nil
}

func (r *MemoryCommandsRepo) UpdateCommand(_ context.Context, cmd *models.MedicationCommand, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.commands[cmd.CommandID]
	if !ok || current.Version != expectedVersion {
		return fmt.Errorf("medication command %s version %d: %w", cmd.CommandID, expectedVersion, ErrConflict)
	}
	r.commands[cmd.CommandID] = *cmd
	return nil
}

func (r *MemoryCommandsRepo) QueryCommands(_ context.Context, filters CommandFilters, orderBy CommandOrderBy, descending bool) ([]*models.MedicationCommand, error) {
	r.mu.RLock()
	all := make([]*models.MedicationCommand, 0, len(r.commands))
	for id := range r.commands {
		cmd := r.commands[id]
		all = append(all, &cmd)
	}
	r.mu.RUnlock()

	if filters.PatientID != nil {
		byPatient := all[:0]
		for _, cmd := range all {
			if cmd.PatientID == *filters.PatientID {
				byPatient = append(byPatient, cmd)
			}
		}
		all = byPatient
	}
	filtered := filterCommandsInMemory(all, filters)
	sortCommands(filtered, orderBy, descending)
	return filtered, nil
}

func (r *MemoryCommandsRepo) ListActiveNonPRN(_ context.Context) ([]*models.MedicationCommand, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.MedicationCommand
	for id := range r.commands {
		cmd := r.commands[id]
		if cmd.IsActive && !cmd.IsPRN {
			out = append(out, &cmd)
		}
	}
	return out, nil
}

func (r *MemoryCommandsRepo) ListPatients(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, cmd := range r.commands {
		if seen[cmd.PatientID] {
			continue
		}
		seen[cmd.PatientID] = true
		out = append(out, cmd.PatientID)
	}
	sort.Strings(out)
	return out, nil
}
