package configuration

import (
	"fmt"
	"strings"
)

// VotingMode selects how individual policy votes are combined.
type VotingMode string

const (
	VotingPriorityDeny   VotingMode = "PRIORITY_DENY"
	VotingPriorityPermit VotingMode = "PRIORITY_PERMIT"
	VotingUnique         VotingMode = "UNIQUE"
	VotingFirst          VotingMode = "FIRST"
)

// DefaultDecision is returned when no policy is applicable.
type DefaultDecision string

const (
	DefaultDeny    DefaultDecision = "DENY"
	DefaultPermit  DefaultDecision = "PERMIT"
	DefaultAbstain DefaultDecision = "ABSTAIN"
)

// ErrorHandling controls whether evaluation errors propagate or abstain.
type ErrorHandling string

const (
	ErrorsPropagate ErrorHandling = "PROPAGATE"
	ErrorsAbstain   ErrorHandling = "ABSTAIN"
)

// CombiningAlgorithm describes the PDP-level combination of policy documents.
type CombiningAlgorithm struct {
	VotingMode      VotingMode      `json:"votingMode"`
	DefaultDecision DefaultDecision `json:"defaultDecision"`
	ErrorHandling   ErrorHandling   `json:"errorHandling"`
}

var (
	DenyOverrides     = CombiningAlgorithm{VotingPriorityDeny, DefaultDeny, ErrorsPropagate}
	PermitOverrides   = CombiningAlgorithm{VotingPriorityPermit, DefaultPermit, ErrorsPropagate}
	DenyUnlessPermit  = CombiningAlgorithm{VotingPriorityPermit, DefaultDeny, ErrorsAbstain}
	PermitUnlessDeny  = CombiningAlgorithm{VotingPriorityDeny, DefaultPermit, ErrorsAbstain}
	OnlyOneApplicable = CombiningAlgorithm{VotingUnique, DefaultDeny, ErrorsPropagate}
)

// CanonicalString renders the algorithm as "<mode> or <default> errors <handling>".
func (a CombiningAlgorithm) CanonicalString() string {
	return fmt.Sprintf("%s or %s errors %s", words(string(a.VotingMode)), words(string(a.DefaultDecision)), words(string(a.ErrorHandling)))
}

func (a CombiningAlgorithm) String() string {
	return a.CanonicalString()
}

// Validate rejects unknown members and FIRST, which implies a document ordering the PDP does not have.
func (a CombiningAlgorithm) Validate() error {
	switch a.VotingMode {
	case VotingPriorityDeny, VotingPriorityPermit, VotingUnique:
	case VotingFirst:
		return newError("FIRST is not allowed as combining algorithm at PDP level")
	default:
		return newError(fmt.Sprintf("unknown voting mode %q", a.VotingMode))
	}
	switch a.DefaultDecision {
	case DefaultDeny, DefaultPermit, DefaultAbstain:
	default:
		return newError(fmt.Sprintf("unknown default decision %q", a.DefaultDecision))
	}
	switch a.ErrorHandling {
	case ErrorsPropagate, ErrorsAbstain:
	default:
		return newError(fmt.Sprintf("unknown error handling %q", a.ErrorHandling))
	}
	return nil
}

func words(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", " "))
}
