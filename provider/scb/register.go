package scb

import "github.com/paygate-io/paygate/provider"

// Register SCB provider with the gateway registry
func init() {
	provider.Register("scb", NewProvider)
}
