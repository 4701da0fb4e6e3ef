package session

import (
	"fmt"
	"sort"
	"strings"
)

// AttendanceMark is one participant's final state as recorded remotely. The
// report is assembled from these, not from local roster state, because the
// record API is the system of record.
type AttendanceMark struct {
	ParticipantID string
	Present       bool
}

// ReportLine is one formatted roster row.
type ReportLine struct {
	ParticipantID string
	Name          string
	Group         string
}

// Report is the owner-facing attendance summary for a finished session.
type Report struct {
	SessionCode string
	Scope       string
	Day         string
	Present     []ReportLine
	Absent      []ReportLine
}

// BuildReport joins the remote attendance marks with the session roster.
// Roster entries with no remote mark count as absent.
func BuildReport(sess *Session, marks []AttendanceMark) Report {
	present := make(map[string]bool, len(marks))
	for _, m := range marks {
		present[m.ParticipantID] = m.Present
	}

	rep := Report{
		SessionCode: sess.Code,
		Scope:       sess.Scope,
		Day:         sess.Day,
	}
	for id, p := range sess.Roster {
		line := ReportLine{ParticipantID: id, Name: p.Name, Group: p.Group}
		if present[id] {
			rep.Present = append(rep.Present, line)
		} else {
			rep.Absent = append(rep.Absent, line)
		}
	}
	sortLines(rep.Present)
	sortLines(rep.Absent)
	return rep
}

func sortLines(lines []ReportLine) {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ParticipantID < lines[j].ParticipantID
	})
}

// Format renders the report as the plain-text message delivered to the
// owner.
func (r Report) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attendance report for %s on %s\n", r.Scope, r.Day)
	fmt.Fprintf(&b, "Present: %d / %d\n", len(r.Present), len(r.Present)+len(r.Absent))

	if len(r.Present) > 0 {
		b.WriteString("\nPresent:\n")
		for _, line := range r.Present {
			b.WriteString("  " + formatLine(line) + "\n")
		}
	}
	if len(r.Absent) > 0 {
		b.WriteString("\nAbsent:\n")
		for _, line := range r.Absent {
			b.WriteString("  " + formatLine(line) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatLine(line ReportLine) string {
	name := line.Name
	if name == "" {
		name = line.ParticipantID
	}
	if line.Group != "" {
		return fmt.Sprintf("%s (%s, %s)", name, line.ParticipantID, line.Group)
	}
	return fmt.Sprintf("%s (%s)", name, line.ParticipantID)
}
