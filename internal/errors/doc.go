// Package errors provides coded, actionable errors for the liveballot
// command line.
//
// Each code maps to a registered template with a short message, a detail
// and usually a suggestion. Codes are grouped by category:
//   - E1xx config: invalid or inconsistent configuration
//   - E2xx runtime and cli: listener, archive client and publish failures
//
// # Usage
//
//	err := errors.New("E104").WithField("server.tls.key_file")
//	errors.PrintError(err)
//	// Output:
//	// ERROR E104: Incomplete TLS configuration
//	//
//	//   field: server.tls.key_file
//	//
//	//   TLS needs both a certificate file and a key file.
//	//
//	//   Hint: Set server.tls.cert_file and server.tls.key_file together, or neither
//
// Errors inside the server packages are plain sentinels; this package only
// covers what the operator sees at startup.
package errors
