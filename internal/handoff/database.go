package handoff

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/vocaform/pkg/tool"
)

// Inserter writes one row into a relational table. Implementations are keyed
// by SQL dialect in a [DatabaseSink]; see internal/handoff/sqlsink for the
// gorm-backed ones.
type Inserter interface {
	// Insert writes row into cfg.Table and returns the generated primary key
	// when the backend reports one.
	Insert(ctx context.Context, cfg *tool.DatabaseConfig, row map[string]any) (id string, err error)
}

// InserterFunc adapts a function to [Inserter].
type InserterFunc func(ctx context.Context, cfg *tool.DatabaseConfig, row map[string]any) (string, error)

// Insert implements [Inserter].
func (f InserterFunc) Insert(ctx context.Context, cfg *tool.DatabaseConfig, row map[string]any) (string, error) {
	return f(ctx, cfg, row)
}

// DatabaseSink dispatches rows to the [Inserter] registered for the config's
// dialect.
type DatabaseSink struct {
	mu        sync.RWMutex
	inserters map[string]Inserter
}

// NewDatabaseSink returns an empty sink.
func NewDatabaseSink() *DatabaseSink {
	return &DatabaseSink{inserters: make(map[string]Inserter)}
}

// Register binds an inserter to one or more dialect names. Dialects are
// matched case-insensitively. Later registrations replace earlier ones.
func (s *DatabaseSink) Register(ins Inserter, dialects ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dialects {
		s.inserters[strings.ToLower(d)] = ins
	}
}

// Dialects returns the registered dialect names.
func (s *DatabaseSink) Dialects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.inserters))
	for d := range s.inserters {
		out = append(out, d)
	}
	return out
}

// Insert writes row using the inserter for cfg.Dialect.
func (s *DatabaseSink) Insert(ctx context.Context, cfg *tool.DatabaseConfig, row map[string]any) (*Response, error) {
	s.mu.RLock()
	ins, ok := s.inserters[strings.ToLower(cfg.Dialect)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no inserter for dialect %q", ErrSinkFailed, cfg.Dialect)
	}
	id, err := ins.Insert(ctx, cfg, row)
	if err != nil {
		return nil, fmt.Errorf("%w: insert into %s: %w", ErrSinkFailed, cfg.Table, err)
	}
	return &Response{SubmissionID: id}, nil
}
