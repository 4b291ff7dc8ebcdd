package kling

import (
	"encoding/json"
	"fmt"
	"strings"

	"motionbrush/internal/pathextract"
)

// ParsePoints decodes a waypoint list as shown in the path-point text box.
// Single-quoted keys ({'x': 1, 'y': 2}) are accepted.
func ParsePoints(s string) (pathextract.WaypointSequence, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pathextract.WaypointSequence{}, nil
	}
	var pts pathextract.WaypointSequence
	if err := json.Unmarshal([]byte(strings.ReplaceAll(s, "'", `"`)), &pts); err != nil {
		return nil, fmt.Errorf("parse path points: %w", err)
	}
	if len(pts) > pathextract.MaxWaypoints {
		return nil, fmt.Errorf("parse path points: %d points exceeds limit of %d", len(pts), pathextract.MaxWaypoints)
	}
	return pts, nil
}

// FormatPoints renders points the way ParsePoints reads them.
func FormatPoints(pts pathextract.WaypointSequence) string {
	if pts == nil {
		pts = pathextract.WaypointSequence{}
	}
	b, _ := json.Marshal(pts)
	return string(b)
}
