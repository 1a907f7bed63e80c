package counseling

import (
	"strings"
	"time"
)

var urgentTopicWords = []string{"crisis", "emergency", "urgent", "self-harm", "suicidal"}

// initialPriority is High for topics that mention an urgent keyword.
func initialPriority(topic string) Priority {
	t := strings.ToLower(topic)
	for _, w := range urgentTopicWords {
		if strings.Contains(t, w) {
			return PriorityHigh
		}
	}
	return PriorityNormal
}

// EscalationPolicy ages pending requests into higher priority.
type EscalationPolicy struct {
	MediumAfter time.Duration
	HighAfter   time.Duration
}

// DefaultEscalation is one day to Medium and three days to High.
var DefaultEscalation = EscalationPolicy{MediumAfter: 24 * time.Hour, HighAfter: 72 * time.Hour}

// escalate returns the priority a pending request created at createdAt should
// carry at now. Priority never decreases.
func (p EscalationPolicy) escalate(current Priority, createdAt, now time.Time) Priority {
	age := now.Sub(createdAt)
	target := PriorityNormal
	switch {
	case age >= p.HighAfter:
		target = PriorityHigh
	case age >= p.MediumAfter:
		target = PriorityMedium
	}
	if target.rank() > current.rank() {
		return target
	}
	return current
}

// cutoffs converts the policy into creation-time thresholds relative to now.
func (p EscalationPolicy) cutoffs(now time.Time) (mediumBefore, highBefore time.Time) {
	return now.Add(-p.MediumAfter), now.Add(-p.HighAfter)
}
