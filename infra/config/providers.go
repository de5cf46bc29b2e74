package config

import (
	"sort"
	"strings"
)

// providerEnvKeys maps adapter configuration keys to environment variable
// names per provider. Credentials stored on the provider row override these.
var providerEnvKeys = map[string]map[string]string{
	"stripe": {
		"secretKey":     "STRIPE_SECRET_KEY",
		"webhookSecret": "STRIPE_WEBHOOK_SECRET",
		"environment":   "STRIPE_ENVIRONMENT",
	},
	"paypal": {
		"clientId":     "PAYPAL_CLIENT_ID",
		"clientSecret": "PAYPAL_CLIENT_SECRET",
		"webhookId":    "PAYPAL_WEBHOOK_ID",
		"environment":  "PAYPAL_ENVIRONMENT",
	},
	"omise": {
		"secretKey":     "OMISE_SECRET_KEY",
		"publicKey":     "OMISE_PUBLIC_KEY",
		"webhookSecret": "OMISE_WEBHOOK_SECRET",
		"allowedIPs":    "OMISE_ALLOWED_IPS",
		"environment":   "OMISE_ENVIRONMENT",
	},
	"scb": {
		"apiKey":        "SCB_API_KEY",
		"apiSecret":     "SCB_API_SECRET",
		"merchantId":    "SCB_MERCHANT_ID",
		"webhookSecret": "SCB_WEBHOOK_SECRET",
		"environment":   "SCB_ENVIRONMENT",
	},
}

// requiredEnvKey marks the one variable that must be set for a provider to
// count as configured from the environment.
var requiredEnvKey = map[string]string{
	"stripe": "STRIPE_SECRET_KEY",
	"paypal": "PAYPAL_CLIENT_ID",
	"omise":  "OMISE_SECRET_KEY",
	"scb":    "SCB_API_KEY",
}

// ProviderCredentials assembles the credential map for a provider from the
// environment. Unset variables are omitted so stored credentials can fill
// the gaps.
func ProviderCredentials(name string) map[string]string {
	keys, ok := providerEnvKeys[strings.ToLower(name)]
	if !ok {
		return nil
	}

	conf := make(map[string]string)
	for confKey, envKey := range keys {
		if value := GetEnv(envKey, ""); value != "" {
			conf[confKey] = value
		}
	}
	if _, ok := conf["environment"]; !ok {
		conf["environment"] = GetEnv("PROVIDER_ENVIRONMENT", "sandbox")
	}
	return conf
}

// AvailableProviders returns the providers that have enough environment
// configuration to register at boot.
func AvailableProviders() []string {
	var names []string
	for name, envKey := range requiredEnvKey {
		if GetEnv(envKey, "") != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
