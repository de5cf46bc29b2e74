package paypal

import "github.com/paygate-io/paygate/provider"

// Register PayPal provider with the gateway registry
func init() {
	provider.Register("paypal", NewProvider)
}
