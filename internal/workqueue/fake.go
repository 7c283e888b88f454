package workqueue

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Fake is an in-process Queue for tests.
type Fake struct {
	mu sync.Mutex

	EnqueueErr error
	tasks      []Task
	claimed    map[snowflake.ID]bool
}

func NewFake() *Fake {
	return &Fake{claimed: make(map[snowflake.ID]bool)}
}

func (f *Fake) Enqueue(_ context.Context, task Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnqueueErr != nil {
		return f.EnqueueErr
	}
	for _, existing := range f.tasks {
		if existing.JobID == task.JobID {
			return nil
		}
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *Fake) Remove(_ context.Context, jobID snowflake.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[jobID] {
		return false, nil
	}
	for i, task := range f.tasks {
		if task.JobID == jobID {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Claim simulates a worker picking the task up, so Remove reports false.
func (f *Fake) Claim(jobID snowflake.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[jobID] = true
	for i, task := range f.tasks {
		if task.JobID == jobID {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return
		}
	}
}

func (f *Fake) Pending() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}
