package leave

import "fmt"

// Status is the closed set of leave request states. Transitions between
// them are owned by the approval package; nothing else writes Status.
type Status string

const (
	StatusPending           Status = "pending"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusWithdrawn         Status = "withdrawn"
	StatusWithdrawalPending Status = "withdrawal_pending"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusPending,
	StatusApproved,
	StatusRejected,
	StatusWithdrawn,
	StatusWithdrawalPending,
}

func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusWithdrawn
}

// IsActive reports whether the request still holds (or may still hold) the
// employee's days. Active requests block overlapping submissions and count
// towards instance limits.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusApproved || s == StatusWithdrawalPending
}

// ParseStatus converts external input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown request status %q", raw)}
	}
	return s, nil
}
