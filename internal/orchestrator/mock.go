package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-memory Client used by tests and local development.
// Submitted jobs start in "running" state; tests flip statuses directly.
type Mock struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	allocations []Allocation
	services    map[string]ServiceInfo

	// Deletes records every DeleteJob call in order, for assertions on
	// idempotence and auto-idle behavior.
	Deletes []string

	// SubmitErr, when set, is returned by SubmitJob.
	SubmitErr error
}

// NewMock creates an empty mock scheduler.
func NewMock() *Mock {
	return &Mock{
		jobs:     make(map[string]*Job),
		services: make(map[string]ServiceInfo),
	}
}

func (m *Mock) SubmitJob(_ context.Context, spec *JobSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return "", m.SubmitErr
	}
	id := uuid.NewString()
	m.jobs[id] = &Job{ID: id, Name: spec.Name, Status: "running"}
	m.allocations = append(m.allocations, Allocation{
		ID: uuid.NewString(), JobID: id, Status: "running", CPUMhz: spec.CPUMhz,
	})
	return id, nil
}

func (m *Mock) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes = append(m.Deletes, jobID)
	if job, ok := m.jobs[jobID]; ok {
		job.Status = "dead"
	}
	return nil
}

func (m *Mock) JobExists(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[jobID]
	return ok, nil
}

func (m *Mock) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Mock) ListServices(_ context.Context) ([]ServiceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceInfo, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s)
	}
	return out, nil
}

func (m *Mock) GetServiceInfo(_ context.Context, name string) (*ServiceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown service %q", name)
	}
	return &info, nil
}

func (m *Mock) ListAllocations(_ context.Context) ([]Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Allocation, len(m.allocations))
	copy(out, m.allocations)
	return out, nil
}

// SetJobStatus flips a job's observed status ("pending", "running", "dead").
func (m *Mock) SetJobStatus(jobID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = status
	}
	for i := range m.allocations {
		if m.allocations[i].JobID == jobID {
			m.allocations[i].Status = status
		}
	}
}

// AddAllocation seeds a running allocation, used by license budget tests.
func (m *Mock) AddAllocation(alloc Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = append(m.allocations, alloc)
}
