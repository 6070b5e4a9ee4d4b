package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCursor returns the saved position of a purchase source. The boolean is
// false when the source has never advanced.
func (s *Service) GetCursor(ctx context.Context, source string) (uint64, bool, error) {
	var position int64
	err := s.db.QueryRowContext(ctx, queryGetCursor, source).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("unable to read cursor for %s: %w", source, err)
	}
	return uint64(position), true, nil
}

func (s *Service) SetCursor(ctx context.Context, source string, position uint64) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertCursor, source, int64(position), now()); err != nil {
		return fmt.Errorf("unable to save cursor for %s: %w", source, err)
	}
	return nil
}
