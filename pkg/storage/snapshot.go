package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
	"github.com/viva-health/screening/pkg/dataset"
)

var ErrPatientNotFound = errors.New("patient not found")

// PatientSnapshot serves the GP patient CSV, re-reading it only when the
// file's modification time changes.
type PatientSnapshot struct {
	path    string
	mu      sync.RWMutex
	modTime time.Time
	records []models.PatientRecord
	byNHS   map[string]int
}

func NewPatientSnapshot(path string) *PatientSnapshot {
	return &PatientSnapshot{path: path}
}

func (s *PatientSnapshot) Path() string {
	return s.path
}

// Find returns the first record with the given NHS number.
func (s *PatientSnapshot) Find(nhsNumber string) (models.PatientRecord, error) {
	if err := s.refresh(); err != nil {
		return models.PatientRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byNHS[nhsNumber]
	if !ok {
		return models.PatientRecord{}, fmt.Errorf("%w: %s", ErrPatientNotFound, nhsNumber)
	}
	return s.records[idx], nil
}

// All returns a copy of every record in file order.
func (s *PatientSnapshot) All() ([]models.PatientRecord, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PatientRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Version is the modification time of the loaded snapshot.
func (s *PatientSnapshot) Version() (time.Time, error) {
	if err := s.refresh(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modTime, nil
}

func (s *PatientSnapshot) refresh() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("patient snapshot: %w", err)
	}

	s.mu.RLock()
	current := s.records != nil && s.modTime.Equal(info.ModTime())
	s.mu.RUnlock()
	if current {
		return nil
	}

	records, err := dataset.ReadFile(s.path, dataset.ReadPatients)
	if err != nil {
		return fmt.Errorf("patient snapshot: %w", err)
	}
	byNHS := make(map[string]int, len(records))
	for i, rec := range records {
		if _, dup := byNHS[rec.NHSNumber]; !dup {
			byNHS[rec.NHSNumber] = i
		}
	}

	s.mu.Lock()
	s.records = records
	s.byNHS = byNHS
	s.modTime = info.ModTime()
	s.mu.Unlock()

	logger.Log.WithFields(map[string]interface{}{
		"path":     s.path,
		"patients": len(records),
	}).Info("Patient snapshot loaded")
	return nil
}
