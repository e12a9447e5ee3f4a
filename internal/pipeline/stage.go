package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StageState is the lifecycle of a pipeline stage.
type StageState int32

const (
	Idle StageState = iota
	Running
	Draining
	Terminated
)

func (s StageState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("StageState(%d)", int32(s))
	}
}

type stage struct {
	name  string
	state atomic.Int32
}

// advance moves the stage forward; states never go back.
func (s *stage) advance(to StageState) {
	for {
		cur := s.state.Load()
		if StageState(cur) >= to {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

func (s *stage) load() StageState { return StageState(s.state.Load()) }

type stageSet struct {
	mu     sync.RWMutex
	order  []string
	stages map[string]*stage
}

func newStageSet() *stageSet {
	return &stageSet{stages: make(map[string]*stage)}
}

func (s *stageSet) add(name string) *stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &stage{name: name}
	s.stages[name] = st
	s.order = append(s.order, name)
	return st
}

func (s *stageSet) get(name string) (*stage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[name]
	return st, ok
}

func (s *stageSet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
