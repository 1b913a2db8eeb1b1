// Package directory resolves the people and places a reservation refers to.
// It is owned by the surrounding clinic application; the reservation core only
// reads from it.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrBranchNotFound  = errors.New("branch not found")
)

type Directory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetBranch(ctx context.Context, id uuid.UUID) (*Branch, error)
}

// Static is a map-backed directory for single-node runs and tests.
type Static struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
	doctors  map[uuid.UUID]Doctor
	branches map[uuid.UUID]Branch
}

func NewStatic() *Static {
	return &Static{
		patients: make(map[uuid.UUID]Patient),
		doctors:  make(map[uuid.UUID]Doctor),
		branches: make(map[uuid.UUID]Branch),
	}
}

func (s *Static) AddPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

func (s *Static) AddDoctor(d Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[d.ID] = d
}

func (s *Static) AddBranch(b Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[b.ID] = b
}

func (s *Static) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (s *Static) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d.Windows = append([]Window(nil), d.Windows...)
	return &d, nil
}

func (s *Static) GetBranch(_ context.Context, id uuid.UUID) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[id]
	if !ok {
		return nil, ErrBranchNotFound
	}
	return &b, nil
}
