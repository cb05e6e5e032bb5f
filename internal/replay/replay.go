// Package replay runs a scripted sequence of limiter operations against a
// simulated clock. Operators use it to see how a policy and cleanup horizon
// behave over time without waiting on the wall clock.
package replay

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cardkeep/cardkeep/internal/output"
	"github.com/cardkeep/cardkeep/internal/ratelimit"
)

// ErrInvalidSchedule is returned for schedules that cannot be replayed.
var ErrInvalidSchedule = errors.New("invalid replay schedule")

// Epoch is the simulated time of offset zero.
var Epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Event is one scheduled operation. At is the offset from the start of the
// replay. Action defaults to check.
type Event struct {
	At          time.Duration `yaml:"at"`
	Action      string        `yaml:"action"`
	Key         string        `yaml:"key"`
	Policy      string        `yaml:"policy"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	Retention   time.Duration `yaml:"retention"`

	// Repeat runs a check this many times at the same instant.
	Repeat int `yaml:"repeat"`
}

// Schedule is a replay script. A bare YAML list of events is also accepted.
type Schedule struct {
	// Retention is the cleanup horizon for cleanup events without their own.
	Retention time.Duration `yaml:"retention"`

	// StrictRetention disables widening the horizon to the largest window
	// checked so far, matching the janitor setting of the same name.
	StrictRetention bool `yaml:"strict_retention"`

	Events []Event `yaml:"events"`
}

// Parse decodes and validates a schedule.
func Parse(r io.Reader) (*Schedule, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidSchedule)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	schedule := &Schedule{}
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&schedule.Events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case yaml.MappingNode:
		if err := root.Decode(schedule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	default:
		return nil, fmt.Errorf("%w: expected a mapping or a list of events", ErrInvalidSchedule)
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return schedule, nil
}

// Validate normalizes actions and checks event ordering.
func (s *Schedule) Validate() error {
	if s.Retention < 0 {
		return fmt.Errorf("%w: retention must not be negative", ErrInvalidSchedule)
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidSchedule)
	}

	var last time.Duration
	for i := range s.Events {
		ev := &s.Events[i]
		ev.Action = strings.ToLower(strings.TrimSpace(ev.Action))
		if ev.Action == "" {
			ev.Action = output.ActionCheck
		}

		switch ev.Action {
		case output.ActionCheck, output.ActionReset, output.ActionCleanup:
		default:
			return fmt.Errorf("%w: event %d: unknown action %q", ErrInvalidSchedule, i+1, ev.Action)
		}
		if ev.At < 0 {
			return fmt.Errorf("%w: event %d: negative offset %s", ErrInvalidSchedule, i+1, ev.At)
		}
		if ev.At < last {
			return fmt.Errorf("%w: event %d at %s is before the previous event at %s", ErrInvalidSchedule, i+1, ev.At, last)
		}
		if ev.Repeat < 0 {
			return fmt.Errorf("%w: event %d: repeat must not be negative", ErrInvalidSchedule, i+1)
		}
		last = ev.At
	}
	return nil
}

// Run replays the schedule against a fresh limiter. Policy and key errors are
// reported on the affected row and do not stop the replay.
func Run(s *Schedule, policies ratelimit.PolicySet) []output.DecisionEntry {
	now := Epoch
	limiter := ratelimit.New(
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithRetention(s.Retention),
	)
	janitor := ratelimit.NewJanitor(limiter, ratelimit.JanitorConfig{
		Retention:       s.Retention,
		StrictRetention: s.StrictRetention,
	})

	var entries []output.DecisionEntry
	for _, ev := range s.Events {
		now = Epoch.Add(ev.At)

		switch ev.Action {
		case output.ActionReset:
			limiter.Reset(ev.Key)
			entries = append(entries, output.DecisionEntry{
				Seq:     len(entries) + 1,
				At:      ev.At.String(),
				Action:  output.ActionReset,
				Key:     ev.Key,
				Tracked: limiter.Len(),
			})

		case output.ActionCleanup:
			var evicted int
			if ev.Retention > 0 {
				evicted = limiter.Cleanup(ev.Retention)
			} else {
				evicted = janitor.RunOnce()
			}
			entries = append(entries, output.DecisionEntry{
				Seq:     len(entries) + 1,
				At:      ev.At.String(),
				Action:  output.ActionCleanup,
				Evicted: evicted,
				Tracked: limiter.Len(),
			})

		default:
			repeat := ev.Repeat
			if repeat == 0 {
				repeat = 1
			}
			for i := 0; i < repeat; i++ {
				entries = append(entries, check(limiter, policies, ev, len(entries)+1))
			}
		}
	}
	return entries
}

func check(limiter *ratelimit.Limiter, policies ratelimit.PolicySet, ev Event, seq int) output.DecisionEntry {
	failed := output.DecisionEntry{
		Seq:    seq,
		At:     ev.At.String(),
		Action: output.ActionCheck,
		Key:    ev.Key,
		Policy: ev.Policy,
	}

	name, policy, err := policies.Resolve(ev.Policy, ev.MaxRequests, ev.Window)
	if err != nil {
		failed.Error = err.Error()
		failed.Tracked = limiter.Len()
		return failed
	}

	decision, err := limiter.Check(ev.Key, policy)
	if err != nil {
		failed.Error = err.Error()
		failed.Tracked = limiter.Len()
		return failed
	}

	entry := output.DecisionFromCheck(seq, ev.At, ev.Key, name, decision)
	entry.Tracked = limiter.Len()
	return entry
}
