// Package classify abstracts the external email classifier.
package classify

import "context"

type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskModerate
	RiskHigh
)

func (l RiskLevel) String() string {
	switch l {
	case RiskHigh:
		return "High"
	case RiskModerate:
		return "Moderate"
	default:
		return "None"
	}
}

// RiskAnalysis is the classifier's risk verdict for one message.
type RiskAnalysis struct {
	Level       RiskLevel
	Explanation string
}

// Classifier is the capability the pipeline consumes. Implementations decide
// the model; the pipeline only trusts the verdicts.
type Classifier interface {
	Urgent(ctx context.Context, subject, body, sender string) (bool, error)
	Risk(ctx context.Context, subject, body, sender string, attachments []string) (RiskAnalysis, error)
}
