// Package app defines the option interfaces consumed by the application bootstrapper.
package app

import (
	cliflag "github.com/kart-io/ragcore/pkg/app/cliflag"
)

// CliOptions abstracts configuration options for reading parameters from the
// command line.
type CliOptions interface {
	// Flags returns flags based on certain flagsets.
	Flags() cliflag.NamedFlagSets
	// Complete completes all the required options.
	Complete() error
	// Validate validates all the required options.
	Validate() error
}
