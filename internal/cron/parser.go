// Package cron parses five-field cron expressions evaluated in an IANA
// timezone.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Fields accepted by every parser in the engine: minute, hour, day of month,
// month, day of week. Seconds and descriptors such as @hourly are rejected.
const Fields = cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{parser: cron.NewParser(Fields)}
}

// Parse compiles expression for timezone. An empty timezone means UTC.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expression), "CRON_TZ=") || strings.HasPrefix(strings.TrimSpace(expression), "TZ=") {
		return nil, fmt.Errorf("parse cron: timezone prefix not allowed, use the timezone field")
	}
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Validate reports whether expression and timezone would parse.
func (p *Parser) Validate(expression, timezone string) error {
	_, err := p.Parse(expression, timezone)
	return err
}

// Schedule yields successive fire times.
type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Spec renders expression with a CRON_TZ prefix so that queue backends
// built on robfig/cron evaluate it in the right zone.
func Spec(expression, timezone string) string {
	if timezone == "" || timezone == "UTC" {
		return "CRON_TZ=UTC " + expression
	}
	return "CRON_TZ=" + timezone + " " + expression
}

// NextRun is a convenience for Parse followed by Next, returned in UTC.
func (p *Parser) NextRun(expression, timezone string, after time.Time) (time.Time, error) {
	sched, err := p.Parse(expression, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after).UTC(), nil
}
