// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

package tracker

// Phase is a state of the tracker.
//
// A poll cycle goes Idle → Fetching → Extracting → Diffing → Notifying → Idle.
// A midnight reset goes Idle → Resetting → Idle instead.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseExtracting
	PhaseDiffing
	PhaseNotifying
	PhaseResetting
)

var phaseNames = [...]string{"idle", "fetching", "extracting", "diffing", "notifying", "resetting"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}
