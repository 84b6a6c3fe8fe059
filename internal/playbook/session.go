// Package playbook implements PlaybookSession, the per-handle() accounting
// object from spec.md §3 and §4.1: action history, error/pivot counters, and
// the three loop detectors that force termination on pathological behaviour.
package playbook

import (
	"time"

	"github.com/koirun/koi/internal/action"
)

const (
	maxConsecutiveErrors = 10
	maxPivots            = 3

	sameActionRepeatLimit = 5
	oscillationLimit      = 3
	perTargetFailureLimit = 5
)

// Record is one entry in the action history.
type Record struct {
	Action    action.Action
	Result    action.Result
	Err       error
	Iteration int
	Timestamp time.Time
}

// Succeeded reports whether this record represents success: no thrown
// error and no explicit success:false result.
func (r Record) Succeeded() bool {
	return r.Err == nil && r.Result.Success
}

// Session is the ephemeral state of one handle() invocation (spec.md §3
// "PlaybookSession"). Not safe for concurrent use by design — a single
// agent's reactive loop drives it from one goroutine at a time.
type Session struct {
	History []Record

	ConsecutiveErrors int
	PivotCount        int

	IsTerminated bool
	FinalResult  *action.Result

	// ActionContext holds variables resolved during this run and shared
	// across actions (e.g. a resolved file path reused by a later step).
	ActionContext map[string]any

	sameActionRepeats int
	oscillationCount  int
	targetFailures    map[string]int
}

// New builds an empty session.
func New() *Session {
	return &Session{
		ActionContext:  make(map[string]any),
		targetFailures: make(map[string]int),
	}
}

// Iteration is the length of the action history (spec.md §3 invariant:
// "iteration is the length of actionHistory").
func (s *Session) Iteration() int { return len(s.History) }

// Record appends an action's outcome, updates consecutiveErrors, and runs
// the loop detectors. It never reverts IsTerminated once true.
func (s *Session) Record(a action.Action, res action.Result, err error, now time.Time) {
	rec := Record{Action: a, Result: res, Err: err, Iteration: len(s.History), Timestamp: now}
	s.History = append(s.History, rec)

	if rec.Succeeded() {
		s.ConsecutiveErrors = 0
	} else {
		s.ConsecutiveErrors++
		s.recordTargetFailure(a)
	}

	s.checkSameActionRepeat()
	s.checkOscillation()
}

// Pivot resets error counters and records the attempt, provided the pivot
// budget (3 per session) is not exhausted. Returns false on the 4th call.
func (s *Session) Pivot() bool {
	if s.PivotCount >= maxPivots {
		return false
	}
	s.PivotCount++
	s.ConsecutiveErrors = 0
	return true
}

// ShouldPivot reports whether the error counter has crossed the pivot
// threshold (spec.md §4.1 step 2: consecutiveErrors >= 10).
func (s *Session) ShouldPivot() bool {
	return s.ConsecutiveErrors >= maxConsecutiveErrors
}

// Terminate marks the session terminated. Idempotent; never reverts.
func (s *Session) Terminate(result *action.Result) {
	if s.IsTerminated {
		return
	}
	s.IsTerminated = true
	s.FinalResult = result
}

func (s *Session) recordTargetFailure(a action.Action) {
	for _, field := range []string{"path", "file"} {
		if v, ok := a.Field(field); ok {
			if target, ok := v.(string); ok && target != "" {
				key := a.Intent + "|" + target
				s.targetFailures[key]++
				if s.targetFailures[key] >= perTargetFailureLimit {
					s.ConsecutiveErrors = maxConsecutiveErrors
					s.Terminate(nil)
				}
				return
			}
		}
	}
}

// checkSameActionRepeat implements the "identical action key twice in a
// row" detector: at >=5 consecutive repeats, the session force-terminates.
func (s *Session) checkSameActionRepeat() {
	n := len(s.History)
	if n < 2 {
		s.sameActionRepeats = 0
		return
	}
	if s.History[n-1].Action.Key() == s.History[n-2].Action.Key() {
		s.sameActionRepeats++
	} else {
		s.sameActionRepeats = 0
	}
	if s.sameActionRepeats+1 >= sameActionRepeatLimit {
		s.ConsecutiveErrors = maxConsecutiveErrors
		s.Terminate(nil)
	}
}

// checkOscillation implements the A-B-A-B detector: each time the last
// four keys form that pattern, a counter increments; at >=3 detections the
// session force-terminates.
func (s *Session) checkOscillation() {
	n := len(s.History)
	if n < 4 {
		return
	}
	k1 := s.History[n-4].Action.Key()
	k2 := s.History[n-3].Action.Key()
	k3 := s.History[n-2].Action.Key()
	k4 := s.History[n-1].Action.Key()
	if k1 == k3 && k2 == k4 && k1 != k2 {
		s.oscillationCount++
		if s.oscillationCount >= oscillationLimit {
			s.ConsecutiveErrors = maxConsecutiveErrors
			s.Terminate(nil)
		}
	}
}

// LastResult returns the most recent record's result, if any.
func (s *Session) LastResult() (action.Result, bool) {
	if len(s.History) == 0 {
		return action.Result{}, false
	}
	return s.History[len(s.History)-1].Result, true
}
