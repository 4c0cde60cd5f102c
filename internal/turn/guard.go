package turn

import (
	"context"
	"sync"
)

// Guard keeps at most one turn per notebook in flight.
type Guard interface {
	Acquire(ctx context.Context, notebookID string) (release func(), err error)
}

type LocalGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{active: make(map[string]struct{})}
}

var _ Guard = (*LocalGuard)(nil)

func (g *LocalGuard) Acquire(_ context.Context, notebookID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[notebookID]; busy {
		return nil, ErrTurnInProgress
	}
	g.active[notebookID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, notebookID)
			g.mu.Unlock()
		})
	}, nil
}
