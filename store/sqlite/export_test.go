package sqlite

import "context"

// ExecForTest runs raw SQL against the store, for tests that need rows the
// public API refuses to write.
func (s *Store) ExecForTest(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
