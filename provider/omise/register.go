package omise

import "github.com/paygate-io/paygate/provider"

// Register Omise provider with the gateway registry
func init() {
	provider.Register("omise", NewProvider)
}
