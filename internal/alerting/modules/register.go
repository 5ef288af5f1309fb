// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package modules

import "fleetwatch/internal/alerting"

// All returns every built-in module, for registration at startup.
func All() []alerting.Module {
	return []alerting.Module{
		SpeedTolerance{},
		IdleTimeout{},
		Towing{},
		Geofence{},
		Maintenance{},
		Offline{},
		Custom{},
	}
}

// RegisterAll registers every built-in module into r.
func RegisterAll(r *alerting.Registry) {
	for _, m := range All() {
		r.Register(m)
	}
}
