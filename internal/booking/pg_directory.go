package booking

import (
	"context"
	"encoding/json"
	"fmt"
)

// Directory records are owned by the clinic admin tooling. These writes exist
// for seeding and fixtures and are not part of the Store boundary.

func (s *PgStore) UpsertDoctor(ctx context.Context, d Doctor) error {
	hours, err := json.Marshal(d.WorkingHours)
	if err != nil {
		return fmt.Errorf("encode working hours: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO doctors (id, name, specialty, working_hours)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    specialty = EXCLUDED.specialty,
		    working_hours = EXCLUDED.working_hours
	`, d.ID, d.Name, d.Specialty, hours)
	if err != nil {
		return fmt.Errorf("upsert doctor %s: %w", d.ID, err)
	}
	return nil
}

func (s *PgStore) UpsertClosure(ctx context.Context, c Closure) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO closures (doctor_id, day, reason)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (doctor_id, day) DO UPDATE
		SET reason = EXCLUDED.reason
	`, c.DoctorID, c.Date, c.Reason)
	if err != nil {
		return fmt.Errorf("upsert closure %s/%s: %w", c.DoctorID, c.Date, err)
	}
	return nil
}
