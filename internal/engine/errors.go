package engine

import "errors"

// ErrNoTargets is returned when a run is started with an empty target
// list after LAN filtering — there is nothing to probe.
var ErrNoTargets = errors.New("engine: no targets to probe")

// ErrEmergencyStop is returned by a phase that observed the emergency-stop
// flag raised, either by itself or by a sibling worker.
var ErrEmergencyStop = errors.New("engine: emergency stop triggered")

// ErrConfig is returned for a configuration value the engine cannot act
// on (out of range, contradictory, or otherwise unusable).
var ErrConfig = errors.New("engine: invalid configuration")
