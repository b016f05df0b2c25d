package config

import "errors"

var (
	// ErrConfig marks a malformed tenant configuration. Fatal and
	// surfaced to the operator.
	ErrConfig = errors.New("config error")

	// ErrCredentialMissing marks an unset credential env var.
	ErrCredentialMissing = errors.New("credential missing")
)
