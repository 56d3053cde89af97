// Package teleop defines the structured payloads the vehicle and cockpit
// exchange over the control and telemetry data channels. The connectivity
// core treats them as opaque bytes; only the two node applications decode
// them.
package teleop

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type tags on the control channel.
const (
	FrameCommand   = "command"
	FrameEmergency = "emergency"
)

// Emergency directives.
const (
	DirectiveStop     = "stop"
	DirectivePullOver = "pull_over"
)

// Gear positions.
const (
	GearPark    = "P"
	GearReverse = "R"
	GearNeutral = "N"
	GearDrive   = "D"
)

var ErrBadFrame = errors.New("bad teleop frame")

// Command is one operator control sample.
// Throttle and Brake are 0..1; Steering is -1 (full left) to 1 (full right).
type Command struct {
	Type     string  `json:"type"`
	Throttle float64 `json:"throttle"`
	Brake    float64 `json:"brake"`
	Steering float64 `json:"steering"`
	Gear     string  `json:"gear"`
	Seq      uint64  `json:"seq"`
}

// Emergency is an operator directive that overrides normal control.
type Emergency struct {
	Type      string `json:"type"`
	Directive string `json:"directive"`
	Reason    string `json:"reason,omitempty"`
	Seq       uint64 `json:"seq"`
}

// Telemetry is one chassis status sample, vehicle to cockpit.
type Telemetry struct {
	SpeedKph    float64 `json:"speed_kph"`
	Gear        string  `json:"gear"`
	SteeringDeg float64 `json:"steering_deg"`
	BatteryPct  float64 `json:"battery_pct"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// EncodeCommand serializes a command frame, stamping its type tag.
func EncodeCommand(c Command) ([]byte, error) {
	if err := validateCommand(c); err != nil {
		return nil, err
	}
	c.Type = FrameCommand
	return json.Marshal(c)
}

// EncodeEmergency serializes an emergency frame, stamping its type tag.
func EncodeEmergency(e Emergency) ([]byte, error) {
	if e.Directive != DirectiveStop && e.Directive != DirectivePullOver {
		return nil, fmt.Errorf("%w: unknown directive %q", ErrBadFrame, e.Directive)
	}
	e.Type = FrameEmergency
	return json.Marshal(e)
}

// EncodeTelemetry serializes a telemetry frame.
func EncodeTelemetry(t Telemetry) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeControl parses a control channel frame into either a Command or an
// Emergency. Exactly one of the returns is non-nil on success.
func DecodeControl(data []byte) (*Command, *Emergency, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch tag.Type {
	case FrameCommand:
		var c Command
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if err := validateCommand(c); err != nil {
			return nil, nil, err
		}
		return &c, nil, nil
	case FrameEmergency:
		var e Emergency
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		if e.Directive != DirectiveStop && e.Directive != DirectivePullOver {
			return nil, nil, fmt.Errorf("%w: unknown directive %q", ErrBadFrame, e.Directive)
		}
		return nil, &e, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown frame type %q", ErrBadFrame, tag.Type)
	}
}

// DecodeTelemetry parses a telemetry channel frame.
func DecodeTelemetry(data []byte) (Telemetry, error) {
	var t Telemetry
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return t, nil
}

func validateCommand(c Command) error {
	if c.Throttle < 0 || c.Throttle > 1 {
		return fmt.Errorf("%w: throttle %v out of range", ErrBadFrame, c.Throttle)
	}
	if c.Brake < 0 || c.Brake > 1 {
		return fmt.Errorf("%w: brake %v out of range", ErrBadFrame, c.Brake)
	}
	if c.Steering < -1 || c.Steering > 1 {
		return fmt.Errorf("%w: steering %v out of range", ErrBadFrame, c.Steering)
	}
	switch c.Gear {
	case GearPark, GearReverse, GearNeutral, GearDrive:
	default:
		return fmt.Errorf("%w: unknown gear %q", ErrBadFrame, c.Gear)
	}
	return nil
}
