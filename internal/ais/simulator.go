package ais

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// simulatorInterval is how often the simulator emits a position for every
// tracked vessel.
const simulatorInterval = 30 * time.Second

// defaultFleetSize is how many synthetic vessels the simulator seeds when
// the database knows none yet, so a fresh install produces traffic
// immediately.
const defaultFleetSize = 12

// simDestinations is the fixed pool of destination strings the simulator
// rotates through.
var simDestinations = []string{
	"ROTTERDAM", "SINGAPORE", "SHANGHAI", "LOS ANGELES",
	"HAMBURG", "ANTWERP", "BUSAN", "PIRAEUS",
}

// navStatusWeights drives the weighted random choice of navigational status.
// Underway dominates; moored and anchored appear often enough to exercise
// the port-call detector.
var navStatusWeights = []struct {
	code   int
	weight int
}{
	{0, 60}, // underway
	{5, 20}, // moored
	{1, 15}, // anchored
	{7, 5},  // fishing
}

// simVessel is the simulator's in-memory track for one synthetic vessel.
type simVessel struct {
	mmsi string
	lat  float64
	lon  float64
	dest string
}

// Simulator produces synthetic position reports when no upstream API key is
// configured. Each tick every vessel takes a small random walk (±0.001° per
// axis) from its last position, so tracks drift plausibly instead of
// jumping.
type Simulator struct {
	logger  *slog.Logger
	handler func(*Message)
	rng     *rand.Rand

	mu      sync.Mutex
	vessels []*simVessel
}

// NewSimulator creates a Simulator delivering messages to handler. seed
// fixes the random walk for tests; pass time.Now().UnixNano() in production.
func NewSimulator(logger *slog.Logger, handler func(*Message), seed int64) *Simulator {
	return &Simulator{
		logger:  logger,
		handler: handler,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Seed installs the starting fleet. Positions come from the latest known
// position per vessel; vessels without one start near a fixed anchorage.
// When no vessels are known at all a synthetic fleet is generated.
func (s *Simulator) Seed(known map[string][2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vessels = s.vessels[:0]
	for mmsi, pos := range known {
		s.vessels = append(s.vessels, &simVessel{
			mmsi: mmsi,
			lat:  pos[0],
			lon:  pos[1],
			dest: simDestinations[s.rng.Intn(len(simDestinations))],
		})
	}
	if len(s.vessels) == 0 {
		for i := 0; i < defaultFleetSize; i++ {
			s.vessels = append(s.vessels, &simVessel{
				mmsi: fmt.Sprintf("%09d", 235000000+i),
				lat:  51.9 + s.rng.Float64()*0.2,
				lon:  4.0 + s.rng.Float64()*0.4,
				dest: simDestinations[i%len(simDestinations)],
			})
		}
		s.logger.Info("simulator seeded synthetic fleet", "vessels", len(s.vessels))
	} else {
		s.logger.Info("simulator seeded from known vessels", "vessels", len(s.vessels))
	}
}

// Run ticks every 30 seconds until ctx is cancelled, emitting one position
// per vessel per tick. The first tick fires immediately.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(simulatorInterval)
	defer ticker.Stop()

	s.Tick(time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.Tick(t.UTC())
		}
	}
}

// Tick advances every vessel one random-walk step and emits its position
// stamped with now. Exported for tests.
func (s *Simulator) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.vessels {
		v.lat += (s.rng.Float64()*2 - 1) * 0.001
		v.lon += (s.rng.Float64()*2 - 1) * 0.001
		v.lat = clampLat(v.lat)
		v.lon = wrapLon(v.lon)

		code := s.pickNavStatus()
		s.handler(&Message{
			MMSI:        v.mmsi,
			Timestamp:   now,
			Lat:         v.lat,
			Lon:         v.lon,
			SOG:         s.rng.Float64() * 18,
			COG:         s.rng.Float64() * 360,
			Heading:     s.rng.Float64() * 360,
			NavStatus:   NavStatusFromCode(code),
			Destination: v.dest,
			ETA:         now.Add(72 * time.Hour).Format("01-02 15:04"),
		})
	}
}

// pickNavStatus makes a weighted random draw. Caller holds s.mu.
func (s *Simulator) pickNavStatus() int {
	total := 0
	for _, w := range navStatusWeights {
		total += w.weight
	}
	n := s.rng.Intn(total)
	for _, w := range navStatusWeights {
		if n < w.weight {
			return w.code
		}
		n -= w.weight
	}
	return 0
}

func clampLat(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}

func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
