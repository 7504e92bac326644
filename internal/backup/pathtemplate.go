package backup

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
)

var knownTokens = map[string]bool{
	"camera_name":    true,
	"camera_id":      true,
	"date":           true,
	"time":           true,
	"end_time":       true,
	"detection_type": true,
	"event_id":       true,
}

var tokenPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// Template renders target-side clip paths from event attributes. The zero
// Location means local time, matching how operators read their NVR.
type Template struct {
	format         string
	maxEventLength time.Duration
	loc            *time.Location
}

// ParseTemplate validates the format string. Unknown {tokens} and ".."
// path components are configuration errors.
func ParseTemplate(format string, maxEventLength time.Duration, loc *time.Location) (Template, error) {
	if format == "" {
		return Template{}, fmt.Errorf("file-structure-format must not be empty")
	}
	for _, m := range tokenPattern.FindAllStringSubmatch(format, -1) {
		if !knownTokens[m[1]] {
			return Template{}, fmt.Errorf("file-structure-format: unknown token {%s}", m[1])
		}
	}
	for _, part := range strings.Split(format, "/") {
		if part == ".." {
			return Template{}, fmt.Errorf("file-structure-format: %q components are not allowed", "..")
		}
	}
	if loc == nil {
		loc = time.Local
	}
	return Template{format: format, maxEventLength: maxEventLength, loc: loc}, nil
}

// Render produces the relative path for an event's clip. The path is a
// pure function of the event, so re-writing an event is idempotent.
func (t Template) Render(e catalog.Event) string {
	start := time.Unix(e.StartTime, 0).In(t.loc)
	end := time.Unix(e.EffectiveEnd(t.maxEventLength), 0).In(t.loc)

	replacer := strings.NewReplacer(
		"{camera_name}", sanitize(e.CameraName),
		"{camera_id}", sanitize(e.CameraID),
		"{date}", start.Format("2006-01-02"),
		"{time}", start.Format("15-04-05"),
		"{end_time}", end.Format("15-04-05"),
		"{detection_type}", sanitize(e.DetectionType),
		"{event_id}", sanitize(e.ID),
	)
	return replacer.Replace(t.format)
}

// Extract inverts Render, recovering substituted values from a rendered
// path. Sanitization is lossy by design, so values come back sanitized.
func (t Template) Extract(path string) (map[string]string, bool) {
	pattern := "^"
	last := 0
	var names []string
	for _, idx := range tokenPattern.FindAllStringSubmatchIndex(t.format, -1) {
		pattern += regexp.QuoteMeta(t.format[last:idx[0]])
		name := t.format[idx[2]:idx[3]]
		names = append(names, name)
		pattern += "([^/]+?)"
		last = idx[1]
	}
	pattern += regexp.QuoteMeta(t.format[last:]) + "$"

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(names))
	for i, name := range names {
		out[name] = m[i+1]
	}
	return out, true
}

// sanitize keeps substituted values from escaping the target directory.
// Many-to-one but deterministic.
func sanitize(v string) string {
	v = strings.ReplaceAll(v, "/", "_")
	v = strings.ReplaceAll(v, "\\", "_")
	if v == ".." {
		v = "__"
	}
	return v
}
