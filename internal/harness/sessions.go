package harness

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/refrace/internal/refstore"
)

// sessionSet holds the run's sessions. A session is idle between stages
// and owned by exactly one item while a stage runs.
type sessionSet struct {
	mu    sync.Mutex
	conns map[string]*refstore.Conn
	order []string
	busy  map[string]bool
}

func newSessionSet() *sessionSet {
	return &sessionSet{
		conns: make(map[string]*refstore.Conn),
		busy:  make(map[string]bool),
	}
}

func (s *sessionSet) add(c *refstore.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.Name()] = c
	s.order = append(s.order, c.Name())
}

// checkout hands the named session to one item.
func (s *sessionSet) checkout(name string) (*refstore.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", name)
	}
	if s.busy[name] {
		return nil, fmt.Errorf("session %q is already owned by another item", name)
	}
	s.busy[name] = true
	return c, nil
}

// checkin returns sessions to the idle set.
func (s *sessionSet) checkin(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.busy, name)
	}
}

// closeAll closes every session in open order.
func (s *sessionSet) closeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, name := range s.order {
		if err := s.conns[name].Session().Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
