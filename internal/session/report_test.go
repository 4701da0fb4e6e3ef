package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportFixture() *Session {
	return &Session{
		Code:  "482913",
		Scope: "python",
		Day:   "2026-03-10",
		Roster: map[string]Participant{
			"22BQ1A0501": {ID: "22BQ1A0501", Name: "Anil", Group: "batch-7"},
			"22BQ1A0502": {ID: "22BQ1A0502", Name: "Bhavna", Group: "batch-7"},
			"22BQ1A0503": {ID: "22BQ1A0503", Name: "Chitra", Group: "batch-8"},
		},
	}
}

func TestBuildReportSplitsPresentAbsent(t *testing.T) {
	rep := BuildReport(reportFixture(), []AttendanceMark{
		{ParticipantID: "22BQ1A0502", Present: true},
		{ParticipantID: "22BQ1A0503", Present: false},
	})

	require.Len(t, rep.Present, 1)
	require.Len(t, rep.Absent, 2)
	assert.Equal(t, "22BQ1A0502", rep.Present[0].ParticipantID)
	// Absent comes out sorted by participant ID.
	assert.Equal(t, "22BQ1A0501", rep.Absent[0].ParticipantID)
	assert.Equal(t, "22BQ1A0503", rep.Absent[1].ParticipantID)
}

func TestBuildReportUnmarkedRosterCountsAbsent(t *testing.T) {
	rep := BuildReport(reportFixture(), nil)
	assert.Empty(t, rep.Present)
	assert.Len(t, rep.Absent, 3)
}

func TestBuildReportIgnoresMarksOffRoster(t *testing.T) {
	rep := BuildReport(reportFixture(), []AttendanceMark{
		{ParticipantID: "99XX9X9999", Present: true},
	})
	assert.Empty(t, rep.Present)
	assert.Len(t, rep.Absent, 3)
}

func TestReportFormat(t *testing.T) {
	rep := BuildReport(reportFixture(), []AttendanceMark{
		{ParticipantID: "22BQ1A0501", Present: true},
	})
	text := rep.Format()

	assert.Contains(t, text, "Attendance report for python on 2026-03-10")
	assert.Contains(t, text, "Present: 1 / 3")
	assert.Contains(t, text, "Anil (22BQ1A0501, batch-7)")
	assert.Contains(t, text, "Bhavna (22BQ1A0502, batch-7)")
}

func TestReportFormatFallsBackToID(t *testing.T) {
	sess := &Session{
		Code:  "482913",
		Scope: "python",
		Day:   "2026-03-10",
		Roster: map[string]Participant{
			"22BQ1A0501": {ID: "22BQ1A0501"},
		},
	}
	rep := BuildReport(sess, nil)
	assert.Contains(t, rep.Format(), "22BQ1A0501 (22BQ1A0501)")
}
