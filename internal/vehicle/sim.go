package vehicle

import (
	"log/slog"
	"sync"

	"github.com/drivekit/drivekit/internal/teleop"
)

// SimChassis is a development stand-in for the chassis bus driver: it
// integrates commands into a plausible state and serves it back as
// telemetry. Production builds replace it with a bus-backed Controller and
// ChassisSource pair.
type SimChassis struct {
	logger *slog.Logger

	mu       sync.Mutex
	speedKph float64
	steering float64
	gear     string
	battery  float64
	stopped  bool
}

// NewSimChassis creates a parked simulated chassis with a full battery.
func NewSimChassis(logger *slog.Logger) *SimChassis {
	return &SimChassis{
		logger:  logger,
		gear:    teleop.GearPark,
		battery: 100,
	}
}

// Apply implements Controller.
func (s *SimChassis) Apply(cmd teleop.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		// Latched by an emergency stop until a fresh Park command clears it.
		if cmd.Gear == teleop.GearPark && cmd.Throttle == 0 {
			s.stopped = false
		} else {
			return nil
		}
	}
	s.gear = cmd.Gear
	s.steering = cmd.Steering
	switch cmd.Gear {
	case teleop.GearDrive:
		s.speedKph += cmd.Throttle*2 - cmd.Brake*4
	case teleop.GearReverse:
		s.speedKph -= cmd.Throttle - cmd.Brake*4
	default:
		s.speedKph *= 0.9
	}
	if cmd.Brake == 1 {
		s.speedKph = 0
	}
	return nil
}

// EmergencyStop implements Controller.
func (s *SimChassis) EmergencyStop(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speedKph = 0
	s.gear = teleop.GearPark
	s.stopped = true
	s.logger.Warn("sim chassis emergency stop", "reason", reason)
	return nil
}

// PullOver implements Controller. The sim has no planner; it stops.
func (s *SimChassis) PullOver(reason string) error {
	return s.EmergencyStop(reason)
}

// Sample implements ChassisSource.
func (s *SimChassis) Sample() (teleop.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return teleop.Telemetry{
		SpeedKph:    s.speedKph,
		Gear:        s.gear,
		SteeringDeg: s.steering * 35,
		BatteryPct:  s.battery,
	}, nil
}

// Stopped reports whether the emergency latch is engaged.
func (s *SimChassis) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
