package quota

import "errors"

var (
	ErrQuotaExhausted        = errors.New("quota exhausted")
	ErrCoolingDown           = errors.New("credential is cooling down")
	ErrNoAvailableCredential = errors.New("no available credential")
	ErrUnknownCredential     = errors.New("unknown credential")
)
