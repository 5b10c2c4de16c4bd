package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "campussync/internal/log"
)

// ParsedEvent is one VEVENT before recurrence expansion.
type ParsedEvent struct {
	SourceURL string

	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set on a VEVENT that overrides one instance of a
	// recurring event.
	RecurrenceID *time.Time

	// Cancelled marks an override with STATUS:CANCELLED. It removes its
	// instance from the series.
	Cancelled bool
}

var errNotCalendar = errors.New("body is not an iCalendar document")

// ParseICS parses a feed body. An empty or malformed body is an error for
// the whole feed; a VEVENT without UID or DTSTART is skipped on its own.
// Standalone VEVENTs with STATUS:CANCELLED are dropped so they read as
// absent; cancelled RECURRENCE-ID overrides are kept with Cancelled set so
// expansion can remove their instance. Floating and date-only values are
// interpreted in loc.
func ParseICS(sourceURL string, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return nil, errNotCalendar
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	events := make([]ParsedEvent, 0)
	skipped := 0
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(sourceURL, ve, loc)
		if err != nil {
			skipped++
			appLog.Debug("vevent skipped", "url", redactURL(sourceURL), "reason", err.Error())
			continue
		}
		if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED") {
			if ev.RecurrenceID == nil {
				continue
			}
			ev.Cancelled = true
		}
		events = append(events, ev)
	}

	if skipped > 0 {
		appLog.Info("feed had unusable events", "url", redactURL(sourceURL), "skipped", skipped, "parsed", len(events))
	}
	return events, nil
}

func parseVEvent(sourceURL string, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{SourceURL: sourceURL}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uid.Value)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parseICSTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, _, err := parseICSTime(dtEnd.Value, dtEnd.ICalParameters, loc); err == nil {
			out.End = end
		}
	}
	if !out.End.After(out.Start) {
		if allDay {
			out.End = out.Start.AddDate(0, 0, 1)
		} else {
			out.End = out.Start
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, _, err := parseICSTime(part, p.ICalParameters, loc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, _, err := parseICSTime(p.Value, p.ICalParameters, loc); err == nil {
			out.RecurrenceID = &t
		}
	}

	return out, nil
}

// parseICSTime parses a DATE or DATE-TIME value. It honors a TZID
// parameter, the UTC "Z" suffix and VALUE=DATE, and falls back to loc for
// floating times and unknown zone names. The bool reports a date-only value.
func parseICSTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	dateOnly := !strings.Contains(v, "T")
	if vs := params["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		dateOnly = true
	}
	if dateOnly {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	zone := loc
	if tz := params["TZID"]; len(tz) > 0 {
		name := strings.Trim(tz[0], `"`)
		if l, err := time.LoadLocation(name); err == nil {
			zone = l
		} else {
			appLog.Debug("unknown TZID, using default zone", "tzid", name)
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	return t, false, err
}
