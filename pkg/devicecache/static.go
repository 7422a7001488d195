package devicecache

import "context"

// StaticLoader serves a fixed set of mappings. Useful for tests and for
// bootstrap deployments that configure devices from a file.
type StaticLoader struct {
	Mappings []DeviceMapping
}

// LoadAll returns a copy of the configured set.
func (l *StaticLoader) LoadAll(_ context.Context) ([]DeviceMapping, error) {
	out := make([]DeviceMapping, len(l.Mappings))
	copy(out, l.Mappings)
	return out, nil
}
