// Package calendar projects a client's milestones onto a month grid for
// display. Pure functions only; recomputing for the same inputs yields an
// identical grid.
package calendar

import (
	"time"

	"onboardline/internal/domain"
)

// Cell is one day slot in the grid. Day is 0 for the leading and trailing
// blanks that pad the month out to full weeks.
type Cell struct {
	Day        int                       `json:"day"`
	Date       string                    `json:"date,omitempty"`
	Milestones []domain.ProjectMilestone `json:"milestones,omitempty"`
}

// Week is a Sunday-first row of seven cells.
type Week [7]Cell

// MonthGrid lays out the given month with milestones attached to their days.
// The number of non-blank cells always equals the number of days in the
// month; the leading blank count is the weekday of the 1st.
func MonthGrid(year int, month time.Month, milestones []domain.ProjectMilestone) []Week {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	daysIn := first.AddDate(0, 1, -1).Day()
	lead := int(first.Weekday())

	byDate := make(map[string][]domain.ProjectMilestone)
	for _, m := range milestones {
		byDate[m.Date] = append(byDate[m.Date], m)
	}

	total := lead + daysIn
	if rem := total % 7; rem != 0 {
		total += 7 - rem
	}
	weeks := make([]Week, total/7)
	for i := 0; i < daysIn; i++ {
		date := first.AddDate(0, 0, i)
		pos := lead + i
		weeks[pos/7][pos%7] = Cell{
			Day:        i + 1,
			Date:       date.Format("2006-01-02"),
			Milestones: byDate[date.Format("2006-01-02")],
		}
	}
	return weeks
}

// DayNames are the Sunday-first column headers.
var DayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
