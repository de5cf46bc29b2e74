// Package handler contains the HTTP layer of the gateway. Handlers decode
// and validate requests, call into the orchestration layer, and translate
// its sentinel errors onto the API's machine-readable error codes; no
// payment logic lives here.
//
// Every response uses the infra/response envelope:
//
//	{"code": 201, "success": true, "message": "payment accepted", "data": {...}}
//	{"code": 409, "success": false, "error_code": "CONCURRENT_REQUEST", ...}
//
// Idempotency keys arrive in the Idempotency-Key header and correlation ids
// in X-Correlation-Id; handlers pass both through untouched.
package handler
