package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UpsertVessel inserts a vessel on first sighting or, on MMSI conflict,
// refreshes its mutable metadata. It returns the effective vessel_id that is
// persisted in the database: on a clean insert this is a freshly generated
// UUID; on an MMSI conflict the existing vessel_id is returned unchanged, so
// callers always receive a stable identifier that correlates with historical
// positions.
func (s *Store) UpsertVessel(ctx context.Context, v Vessel) (string, error) {
	if v.VesselID == "" {
		v.VesselID = uuid.NewString()
	}
	var effectiveID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vessels (vessel_id, mmsi, imo, name, flag, vessel_type, deadweight)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mmsi) DO UPDATE SET
			imo         = COALESCE(EXCLUDED.imo, vessels.imo),
			name        = COALESCE(EXCLUDED.name, vessels.name),
			flag        = COALESCE(EXCLUDED.flag, vessels.flag),
			vessel_type = COALESCE(EXCLUDED.vessel_type, vessels.vessel_type),
			deadweight  = COALESCE(EXCLUDED.deadweight, vessels.deadweight),
			updated_at  = now()
		RETURNING vessel_id`,
		v.VesselID,
		v.MMSI,
		nullableStr(v.IMO),
		nullableStr(v.Name),
		nullableStr(v.Flag),
		nullableStr(v.VesselType),
		nullableInt(v.Deadweight),
	).Scan(&effectiveID)
	if err != nil {
		return "", fmt.Errorf("upsert vessel %s: %w", v.MMSI, err)
	}
	return effectiveID, nil
}

// ListVessels returns all known vessels ordered by MMSI.
func (s *Store) ListVessels(ctx context.Context) ([]Vessel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vessel_id, mmsi, imo, name, flag, vessel_type, deadweight, created_at, updated_at
		FROM   vessels
		ORDER  BY mmsi`)
	if err != nil {
		return nil, fmt.Errorf("list vessels: %w", err)
	}
	defer rows.Close()

	var vessels []Vessel
	for rows.Next() {
		var v Vessel
		var imo, name, flag, vtype *string
		var dwt *int
		err := rows.Scan(&v.VesselID, &v.MMSI, &imo, &name, &flag, &vtype, &dwt,
			&v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan vessel: %w", err)
		}
		if imo != nil {
			v.IMO = *imo
		}
		if name != nil {
			v.Name = *name
		}
		if flag != nil {
			v.Flag = *flag
		}
		if vtype != nil {
			v.VesselType = *vtype
		}
		if dwt != nil {
			v.Deadweight = *dwt
		}
		vessels = append(vessels, v)
	}
	return vessels, rows.Err()
}

// ListPorts returns all ports ordered by UNLOCODE.
func (s *Store) ListPorts(ctx context.Context) ([]Port, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT port_id, unlocode, name, country, lat, lon, geofence_radius_km
		FROM   ports
		ORDER  BY unlocode`)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()

	var ports []Port
	for rows.Next() {
		var p Port
		var country *string
		err := rows.Scan(&p.PortID, &p.UNLOCODE, &p.Name, &country,
			&p.Lat, &p.Lon, &p.GeofenceRadiusKM)
		if err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		if country != nil {
			p.Country = *country
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// GetPort returns the port with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetPort(ctx context.Context, portID string) (*Port, error) {
	var p Port
	var country *string
	err := s.pool.QueryRow(ctx, `
		SELECT port_id, unlocode, name, country, lat, lon, geofence_radius_km
		FROM   ports
		WHERE  port_id = $1`, portID).
		Scan(&p.PortID, &p.UNLOCODE, &p.Name, &country, &p.Lat, &p.Lon, &p.GeofenceRadiusKM)
	if err != nil {
		return nil, fmt.Errorf("get port %s: %w", portID, err)
	}
	if country != nil {
		p.Country = *country
	}
	return &p, nil
}

// SeedPorts inserts ports that do not yet exist; existing UNLOCODEs are left
// untouched. Used at startup to load the reference port set.
func (s *Store) SeedPorts(ctx context.Context, ports []Port) error {
	for _, p := range ports {
		if p.PortID == "" {
			p.PortID = uuid.NewString()
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO ports (port_id, unlocode, name, country, lat, lon, geofence_radius_km)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (unlocode) DO NOTHING`,
			p.PortID, p.UNLOCODE, p.Name, nullableStr(p.Country),
			p.Lat, p.Lon, p.GeofenceRadiusKM,
		)
		if err != nil {
			return fmt.Errorf("seed port %s: %w", p.UNLOCODE, err)
		}
	}
	return nil
}

// nullableInt converts zero to a nil pointer, stored as SQL NULL.
func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
