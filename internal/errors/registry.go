package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Configuration Errors (E100-E199)
	// ============================================

	"E100": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Detail:     "The configuration file given with --config does not exist.",
		Suggestion: "Check the path, or omit --config to configure from LIVEBALLOT_* variables only",
	},
	"E101": {
		Category:   CategoryConfig,
		Message:    "Invalid config file",
		Detail:     "The configuration file could not be parsed.",
		Suggestion: "Check that the file is valid YAML",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Invalid config value",
		Detail:   "A configuration value is out of range.",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Invalid endpoint path",
		Detail:     "Endpoint paths must start with '/', differ from each other and not collide with /metrics or /healthz.",
		Suggestion: "Use distinct paths such as \"/\" and \"/admin\"",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Incomplete TLS configuration",
		Detail:     "TLS needs both a certificate file and a key file.",
		Suggestion: "Set server.tls.cert_file and server.tls.key_file together, or neither",
	},
	"E105": {
		Category:   CategoryConfig,
		Message:    "Unknown ledger policy",
		Detail:     "The tally ledger policy must be \"prune\" or \"retain\".",
		Suggestion: "Set tally.ledger_policy to prune or retain",
	},
	"E106": {
		Category: CategoryConfig,
		Message:  "Invalid session timeouts",
		Detail:   "Timeouts must be positive and the anonymous session timeout must be shorter than the named one.",
	},
	"E107": {
		Category:   CategoryConfig,
		Message:    "Invalid default ballot",
		Detail:     "The default ballot needs at least one choice.",
		Suggestion: "List choices under ballot.choices, or drop the ballot section to use the built-in default",
	},
	"E108": {
		Category:   CategoryConfig,
		Message:    "Incomplete archive configuration",
		Detail:     "Archiving to S3 needs a region when a bucket is set, and access keys must be given as a pair.",
		Suggestion: "Set archive.s3.region, and both access_key_id and secret_access_key or neither",
	},
	"E109": {
		Category: CategoryConfig,
		Message:  "Invalid log setting",
		Detail:   "log.level must be debug, info, warn or error; log.format must be text or json.",
	},
	"E110": {
		Category:   CategoryConfig,
		Message:    "Env file not loaded",
		Detail:     "The file given with --env-file could not be read.",
		Suggestion: "Check the path passed to --env-file",
	},

	// ============================================
	// Runtime Errors (E200-E249)
	// ============================================

	"E200": {
		Category: CategoryRuntime,
		Message:  "Server failed",
		Detail:   "The HTTP listener stopped with an error.",
	},
	"E201": {
		Category:   CategoryRuntime,
		Message:    "Archive client unavailable",
		Detail:     "The S3 client for closed-ballot archiving could not be created.",
		Suggestion: "Check the archive.s3 settings",
	},

	// ============================================
	// CLI Errors (E250-E299)
	// ============================================

	"E250": {
		Category:   CategoryCLI,
		Message:    "Dial failed",
		Detail:     "Could not open a WebSocket connection to the admin endpoint.",
		Suggestion: "Check --url and that the server is running",
	},
	"E251": {
		Category: CategoryCLI,
		Message:  "Publish failed",
		Detail:   "The ballot was sent but the server did not echo it back.",
	},
	"E252": {
		Category:   CategoryCLI,
		Message:    "Invalid ballot arguments",
		Detail:     "A ballot needs a question and at least one --choice.",
		Suggestion: "liveballot publish --question \"Lunch?\" --choice Pizza --choice Sushi",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
