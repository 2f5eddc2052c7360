package verdict

import (
	"fmt"

	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// ToSimpleVerdict reduces a verdict type to its operational state. Every
// VerdictType must appear here; an unmapped value is a programming error.
func ToSimpleVerdict(t types.VerdictType) types.SimpleVerdict {
	switch t {
	case types.VerdictApproved, types.VerdictWarning:
		return types.SimpleGreen
	case types.VerdictRejected:
		return types.SimpleRed
	case types.VerdictEscalated, types.VerdictBlocked:
		return types.SimpleHold
	case types.VerdictDeferred, types.VerdictPending:
		return types.SimpleRetry
	}
	panic(fmt.Sprintf("verdict: unmapped verdict type %q", t))
}

// GetSimpleAction maps each simple verdict to exactly one action.
func GetSimpleAction(v types.SimpleVerdict) types.SimpleAction {
	switch v {
	case types.SimpleGreen:
		return types.ActionAdvance
	case types.SimpleRed:
		return types.ActionAbort
	case types.SimpleHold:
		return types.ActionFreeze
	case types.SimpleRetry:
		return types.ActionRetryOperation
	}
	panic(fmt.Sprintf("verdict: unmapped simple verdict %q", v))
}

func GetActionForVerdictType(t types.VerdictType) types.SimpleAction {
	return GetSimpleAction(ToSimpleVerdict(t))
}

// ParseVerdictType validates an untrusted string.
func ParseVerdictType(s string) (types.VerdictType, error) {
	for _, t := range types.AllVerdictTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVerdictType, s)
}

// ParseSimpleVerdict validates an untrusted string.
func ParseSimpleVerdict(s string) (types.SimpleVerdict, error) {
	for _, v := range types.AllSimpleVerdicts {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSimpleVerdict, s)
}
