package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GuardianStore resolves notification recipients from the school's
// guardian link tables. Read-only for this service.
type GuardianStore struct {
	db     *DB
	logger *zap.Logger
}

// NewGuardianStore creates a new guardian resolver
func NewGuardianStore(db *DB, logger *zap.Logger) *GuardianStore {
	return &GuardianStore{
		db:     db,
		logger: logger,
	}
}

// GuardiansForStudents returns the guardians linked to each student with
// notifications enabled. Students without guardians simply have no entry
// in the result.
func (s *GuardianStore) GuardiansForStudents(ctx context.Context, studentIDs []uuid.UUID) (map[uuid.UUID][]Guardian, error) {
	query := `
		SELECT g.id, sg.student_id, g.display_name, COALESCE(g.phone, ''),
		       g.whatsapp_opt_in, sg.notifications_enabled
		FROM student_guardians sg
		JOIN guardians g ON g.id = sg.guardian_id
		WHERE sg.student_id = ANY($1) AND sg.notifications_enabled
	`

	rows, err := s.db.Pool().Query(ctx, query, studentIDs)
	if err != nil {
		return nil, fmt.Errorf("query guardians: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]Guardian)
	for rows.Next() {
		var g Guardian
		err := rows.Scan(
			&g.ID,
			&g.StudentID,
			&g.DisplayName,
			&g.Phone,
			&g.WhatsAppOptIn,
			&g.NotifyEnabled,
		)
		if err != nil {
			return nil, fmt.Errorf("scan guardian: %w", err)
		}
		result[g.StudentID] = append(result[g.StudentID], g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guardians: %w", err)
	}

	return result, nil
}
