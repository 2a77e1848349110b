// Package httputil holds the JSON response helpers shared by the API
// handlers.
//
// Handlers go through these helpers rather than writing to the
// http.ResponseWriter directly, so every endpoint emits the same envelope:
// JSON bodies, an {error, code} shape for failures, and logged encode
// errors. ErrorCoded is the variant used when the client needs a
// machine-readable code (for example "REVIEW_REQUIRED" from the submit
// endpoint).
package httputil
