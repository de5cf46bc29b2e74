package stripe

import "github.com/paygate-io/paygate/provider"

// Register Stripe provider with the gateway registry
func init() {
	provider.Register("stripe", NewProvider)
}
