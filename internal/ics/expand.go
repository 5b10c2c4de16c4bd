package ics

import (
	"cmp"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "campussync/internal/log"
	"campussync/internal/model"
)

const (
	defaultHorizon        = 180 * 24 * time.Hour
	maxInstancesPerSeries = 5000
)

// Window bounds recurrence expansion. End defaults to Start plus 180 days.
type Window struct {
	Start time.Time
	End   time.Time
}

// InstanceUID is the stable UID of one instance of a recurring event,
// derived from the series UID and the instance's original start.
func InstanceUID(seriesUID string, originalStart time.Time) string {
	return seriesUID + "/" + originalStart.UTC().Format(time.RFC3339)
}

// Expand turns parsed VEVENTs into events. Non-recurring events are
// returned as they are with their feed UID. Recurring events are expanded
// to the instances that start inside win, honoring EXDATE and
// RECURRENCE-ID overrides; each instance gets an InstanceUID. A cancelled
// override removes its instance. Overrides whose series is missing from the
// feed are kept as single instances unless cancelled.
func Expand(events []ParsedEvent, win Window) []model.Event {
	if win.End.IsZero() {
		win.End = win.Start.Add(defaultHorizon)
	}

	overrides := make(map[string][]ParsedEvent)
	series := make(map[string]bool)
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
		} else if ev.RRule != "" {
			series[ev.UID] = true
		}
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.RecurrenceID != nil:
			if !series[ev.UID] && !ev.Cancelled {
				out = append(out, toEvent(ev, InstanceUID(ev.UID, *ev.RecurrenceID), ev.Start, ev.End))
			}
		case ev.RRule == "":
			out = append(out, toEvent(ev, ev.UID, ev.Start, ev.End))
		default:
			out = append(out, expandSeries(ev, overrides[ev.UID], win)...)
		}
	}

	slices.SortFunc(out, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})
	return out
}

func expandSeries(ev ParsedEvent, overrides []ParsedEvent, win Window) []model.Event {
	opt, err := rrule.StrToROptionInLocation(ev.RRule, ev.Start.Location())
	if err != nil {
		appLog.Error("invalid RRULE, series skipped", err, "uid", ev.UID)
		return nil
	}
	opt.Dtstart = ev.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		appLog.Error("invalid RRULE, series skipped", err, "uid", ev.UID)
		return nil
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}
	for _, o := range overrides {
		if o.Cancelled {
			set.ExDate(o.RecurrenceID.In(ev.Start.Location()))
		}
	}

	starts := set.Between(win.Start.In(ev.Start.Location()), win.End.In(ev.Start.Location()), true)
	if len(starts) > maxInstancesPerSeries {
		appLog.Info("series truncated", "uid", ev.UID, "cap", maxInstancesPerSeries)
		starts = starts[:maxInstancesPerSeries]
	}

	out := make([]model.Event, 0, len(starts))
	for _, start := range starts {
		end := instanceEnd(ev, start)
		uid := InstanceUID(ev.UID, start)
		if o, ok := findOverride(overrides, start); ok {
			out = append(out, toEvent(o, uid, o.Start, o.End))
			continue
		}
		out = append(out, toEvent(ev, uid, start, end))
	}
	return out
}

// instanceEnd keeps the series duration; all-day spans are kept in days so
// DST changes do not shift them.
func instanceEnd(ev ParsedEvent, start time.Time) time.Time {
	if ev.AllDay {
		days := int(ev.End.Sub(ev.Start).Round(24*time.Hour) / (24 * time.Hour))
		return start.AddDate(0, 0, max(days, 1))
	}
	return start.Add(ev.End.Sub(ev.Start))
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, o := range overrides {
		if !o.Cancelled && o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

func toEvent(ev ParsedEvent, uid string, start, end time.Time) model.Event {
	return model.Event{
		UID:         uid,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
		SourceURL:   ev.SourceURL,
	}
}
