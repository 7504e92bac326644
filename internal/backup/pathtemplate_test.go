package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/catalog"
)

func mustTemplate(t *testing.T, format string) Template {
	t.Helper()
	tmpl, err := ParseTemplate(format, 5*time.Minute, time.UTC)
	require.NoError(t, err)
	return tmpl
}

func intPtr(v int64) *int64 { return &v }

func TestRenderDefaultFormat(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_name}/{date}/{time}_{detection_type}.mp4")

	ev := catalog.Event{
		ID:            "e1",
		DetectionType: "motion",
		CameraID:      "cam-1",
		CameraName:    "C1",
		StartTime:     1000,
		EndTime:       intPtr(1005),
	}
	assert.Equal(t, "C1/1970-01-01/00-16-40_motion.mp4", tmpl.Render(ev))
}

func TestRenderAllTokens(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_id}/{camera_name}/{date}/{time}/{end_time}/{detection_type}/{event_id}")

	ev := catalog.Event{
		ID:            "evt-9",
		DetectionType: "person",
		CameraID:      "cam-7",
		CameraName:    "Garage",
		StartTime:     86400 + 3600,
		EndTime:       intPtr(86400 + 3725),
	}
	assert.Equal(t, "cam-7/Garage/1970-01-02/01-00-00/01-02-05/person/evt-9", tmpl.Render(ev))
}

func TestRenderIsPure(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_name}/{date}/{time}_{detection_type}.mp4")
	ev := catalog.Event{CameraName: "C1", DetectionType: "motion", StartTime: 1000, EndTime: intPtr(1005)}
	assert.Equal(t, tmpl.Render(ev), tmpl.Render(ev))
}

func TestRenderSanitizesSeparators(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_name}/{event_id}.mp4")

	ev := catalog.Event{
		ID:         "a/b\\c",
		CameraName: "../etc",
		StartTime:  1000,
		EndTime:    intPtr(1005),
	}
	rendered := tmpl.Render(ev)
	assert.Equal(t, ".._etc/a_b_c.mp4", rendered)
	assert.NotContains(t, rendered, "\\")
}

func TestRenderTimedOutEventUsesSyntheticEnd(t *testing.T) {
	tmpl := mustTemplate(t, "{time}-{end_time}.mp4")
	ev := catalog.Event{StartTime: 0} // never closed
	assert.Equal(t, "00-00-00-00-05-00.mp4", tmpl.Render(ev))
}

func TestParseTemplateRejectsUnknownToken(t *testing.T) {
	_, err := ParseTemplate("{camera_name}/{nope}.mp4", time.Minute, time.UTC)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{nope}")
}

func TestParseTemplateRejectsDotDot(t *testing.T) {
	_, err := ParseTemplate("../{camera_name}.mp4", time.Minute, time.UTC)
	assert.Error(t, err)

	_, err = ParseTemplate("", time.Minute, time.UTC)
	assert.Error(t, err)
}

func TestExtractRoundTrip(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_name}/{date}/{time}_{detection_type}.mp4")

	ev := catalog.Event{
		ID:            "e1",
		DetectionType: "person_vehicle",
		CameraName:    "Front Door",
		StartTime:     1700000000,
		EndTime:       intPtr(1700000042),
	}
	rendered := tmpl.Render(ev)

	values, ok := tmpl.Extract(rendered)
	require.True(t, ok)
	assert.Equal(t, "Front Door", values["camera_name"])
	assert.Equal(t, "person_vehicle", values["detection_type"])
	assert.Equal(t, time.Unix(ev.StartTime, 0).UTC().Format("2006-01-02"), values["date"])
	assert.Equal(t, time.Unix(ev.StartTime, 0).UTC().Format("15-04-05"), values["time"])
}

func TestExtractSanitizationIsDeterministic(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_name}.mp4")

	// Distinct inputs may collapse to the same path, but always the same one.
	a := tmpl.Render(catalog.Event{CameraName: "a/b", StartTime: 0, EndTime: intPtr(1)})
	b := tmpl.Render(catalog.Event{CameraName: "a_b", StartTime: 0, EndTime: intPtr(1)})
	assert.Equal(t, a, b)

	values, ok := tmpl.Extract(a)
	require.True(t, ok)
	assert.Equal(t, "a_b", values["camera_name"])
}

func TestExtractRejectsForeignPath(t *testing.T) {
	tmpl := mustTemplate(t, "{camera_name}/{date}/{time}_{detection_type}.mp4")
	_, ok := tmpl.Extract("random/file.txt")
	assert.False(t, ok)
}
