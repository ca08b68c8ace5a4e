package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrOpenCallExists is returned by OpenPortCall when the vessel already has
// an open call. The partial unique index on (vessel_id) WHERE status =
// 'in_port' is the authoritative guard; callers treat this as a lost race,
// not a failure.
var ErrOpenCallExists = errors.New("storage: vessel already has an open port call")

// OpenPortCall inserts a new in_port call for (vesselID, portID) with the
// given arrival time and returns its call_id.
func (s *Store) OpenPortCall(ctx context.Context, vesselID, portID string, arrival time.Time) (string, error) {
	callID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO port_calls (call_id, vessel_id, port_id, call_type, status, arrival_time)
		VALUES ($1, $2, $3, 'arrival', 'in_port', $4)`,
		callID, vesselID, portID, arrival.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrOpenCallExists
		}
		return "", fmt.Errorf("open port call: %w", err)
	}
	return callID, nil
}

// ClosePortCall completes the open call for (vesselID, portID), setting the
// departure time. berth_time_hours is computed only when computeBerth is
// true: a normal departure records dwell, a port-to-port jump closes the old
// call without it.
//
// Closing a call that is not open is a no-op; the boolean result reports
// whether a row was updated.
func (s *Store) ClosePortCall(ctx context.Context, vesselID, portID string, departure time.Time, computeBerth bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE port_calls
		SET    departure_time   = $3,
		       status           = 'completed',
		       berth_time_hours = CASE WHEN $4 THEN
		           EXTRACT(EPOCH FROM ($3::timestamptz - arrival_time)) / 3600.0
		       END
		WHERE  vessel_id = $1 AND port_id = $2 AND status = 'in_port'`,
		vesselID, portID, departure.UTC(), computeBerth,
	)
	if err != nil {
		return false, fmt.Errorf("close port call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// OpenCalls returns every call with status in_port. Used at startup to
// rebuild the detector's in-memory vessel→port map; the database is the
// authoritative state.
func (s *Store) OpenCalls(ctx context.Context) ([]PortCall, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, vessel_id, port_id, call_type, status,
		       arrival_time, departure_time, berth_time_hours
		FROM   port_calls
		WHERE  status = 'in_port'
		ORDER  BY arrival_time`)
	if err != nil {
		return nil, fmt.Errorf("open calls: %w", err)
	}
	defer rows.Close()

	var calls []PortCall
	for rows.Next() {
		c, err := scanPortCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan port call: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

// scanPortCall reads one port_calls row.
func scanPortCall(sc scanner) (*PortCall, error) {
	var c PortCall
	var status string
	err := sc.Scan(
		&c.CallID, &c.VesselID, &c.PortID, &c.CallType, &status,
		&c.ArrivalTime, &c.DepartureTime, &c.BerthTimeHours,
	)
	if err != nil {
		return nil, err
	}
	c.Status = CallStatus(status)
	return &c, nil
}
