package ingest

import "strings"

// Filter decides which ingested events reach the catalog. Predicates are
// pure functions of the event and the config captured at construction.
type Filter struct {
	detectionTypes map[string]bool
	ignoreCameras  map[string]bool
	cameras        map[string]bool
}

func NewFilter(detectionTypes, ignoreCameras, cameras []string) Filter {
	return Filter{
		detectionTypes: toSet(detectionTypes),
		ignoreCameras:  toSet(ignoreCameras),
		cameras:        toSet(cameras),
	}
}

// Allow reports whether an event with the given detection type and camera
// should be backed up. A combined smart detection ("person_vehicle")
// passes when any of its classes is configured.
func (f Filter) Allow(detectionType, cameraID string) bool {
	if f.ignoreCameras[cameraID] {
		return false
	}
	if len(f.cameras) > 0 && !f.cameras[cameraID] {
		return false
	}
	if len(f.detectionTypes) == 0 {
		return true
	}
	if f.detectionTypes[detectionType] {
		return true
	}
	for _, part := range strings.Split(detectionType, "_") {
		if f.detectionTypes[part] {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
