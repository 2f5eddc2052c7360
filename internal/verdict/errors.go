package verdict

import "errors"

var (
	ErrInvalidConfidence    = errors.New("invalid confidence")
	ErrUnknownErrorClass    = errors.New("unknown error class")
	ErrNoSignals            = errors.New("verdict requires at least one signal")
	ErrPolicyNotFound       = errors.New("policy snapshot not found")
	ErrUnknownVerdictType   = errors.New("unknown verdict type")
	ErrUnknownSimpleVerdict = errors.New("unknown simple verdict")
)
