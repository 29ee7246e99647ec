package schema

// Status is the closed set of execution states for stages, jobs, and
// workflows. WAIT is the only non-terminal state.
type Status int

const (
	StatusWait Status = iota
	StatusSuccess
	StatusFailed
	StatusSkip
	StatusCancel
)

var statusNames = map[Status]string{
	StatusWait:    "WAIT",
	StatusSuccess: "SUCCESS",
	StatusFailed:  "FAILED",
	StatusSkip:    "SKIP",
	StatusCancel:  "CANCEL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s != StatusWait
}

// MarshalText implements encoding.TextMarshaler so statuses serialize as
// their names in result contexts.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Combine aggregates child statuses into a parent status:
//   - any FAILED child fails the parent;
//   - else any CANCEL child cancels the parent;
//   - else all children SKIP (and at least one child) skips the parent;
//   - else SUCCESS. An empty child set is SUCCESS.
func Combine(children ...Status) Status {
	if len(children) == 0 {
		return StatusSuccess
	}
	allSkip := true
	cancelled := false
	for _, c := range children {
		switch c {
		case StatusFailed:
			return StatusFailed
		case StatusCancel:
			cancelled = true
			allSkip = false
		case StatusSkip:
		default:
			allSkip = false
		}
	}
	if cancelled {
		return StatusCancel
	}
	if allSkip {
		return StatusSkip
	}
	return StatusSuccess
}
