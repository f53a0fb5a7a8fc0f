// Package errors provides structured error handling for ModularMind.
//
// Every failure surfaced by the core carries one of the Kind values below.
// Error codes follow the pattern ERR_XXX_NAME where:
//   - 1XX: configuration and definition errors
//   - 2XX: lookup errors
//   - 3XX: provider, source and transport errors
//   - 4XX: data and index integrity errors
//   - 5XX: runtime and lifecycle errors
package errors

// Kind identifies one failure class of the core taxonomy.
// Backend- and provider-specific errors are mapped onto these kinds at the
// adapter boundary so callers and tests can match exact classes.
type Kind string

const (
	KindConfigInvalid     Kind = "ConfigInvalid"
	KindScheduleInvalid   Kind = "ScheduleInvalid"
	KindTemplateInvalid   Kind = "TemplateInvalid"
	KindModelNotFound     Kind = "ModelNotFound"
	KindNotFound          Kind = "NotFound"
	KindCollectionMissing Kind = "CollectionMissing"
	KindProviderAuth      Kind = "ProviderAuth"
	KindSourceAuth        Kind = "SourceAuth"
	KindRateLimited       Kind = "RateLimited"
	KindTimeout           Kind = "Timeout"
	KindTransport         Kind = "Transport"
	KindRemoteUnavailable Kind = "RemoteUnavailable"
	KindDimensionMismatch Kind = "DimensionMismatch"
	KindIndexCorrupt      Kind = "IndexCorrupt"
	KindAlreadyRunning    Kind = "AlreadyRunning"
	KindTransient         Kind = "Transient"
	KindCancelled         Kind = "Cancelled"
)

// Category groups kinds for logging and status-code mapping.
type Category string

const (
	// CategoryConfig indicates invalid configuration or definitions.
	CategoryConfig Category = "CONFIG"
	// CategoryLookup indicates a referenced entity does not exist.
	CategoryLookup Category = "LOOKUP"
	// CategoryProvider indicates provider, source or transport failures.
	CategoryProvider Category = "PROVIDER"
	// CategoryData indicates data or index integrity failures.
	CategoryData Category = "DATA"
	// CategoryRuntime indicates lifecycle and runtime failures.
	CategoryRuntime Category = "RUNTIME"
)

// kindCodes maps each kind to its stable wire code.
var kindCodes = map[Kind]string{
	KindConfigInvalid:     "ERR_101_CONFIG_INVALID",
	KindScheduleInvalid:   "ERR_102_SCHEDULE_INVALID",
	KindTemplateInvalid:   "ERR_103_TEMPLATE_INVALID",
	KindModelNotFound:     "ERR_201_MODEL_NOT_FOUND",
	KindNotFound:          "ERR_202_NOT_FOUND",
	KindCollectionMissing: "ERR_203_COLLECTION_MISSING",
	KindProviderAuth:      "ERR_301_PROVIDER_AUTH",
	KindSourceAuth:        "ERR_302_SOURCE_AUTH",
	KindRateLimited:       "ERR_303_RATE_LIMITED",
	KindTimeout:           "ERR_304_TIMEOUT",
	KindTransport:         "ERR_305_TRANSPORT",
	KindRemoteUnavailable: "ERR_306_REMOTE_UNAVAILABLE",
	KindDimensionMismatch: "ERR_401_DIMENSION_MISMATCH",
	KindIndexCorrupt:      "ERR_402_INDEX_CORRUPT",
	KindAlreadyRunning:    "ERR_501_ALREADY_RUNNING",
	KindTransient:         "ERR_502_TRANSIENT",
	KindCancelled:         "ERR_503_CANCELLED",
}

// Code returns the stable wire code for the kind.
// Unknown kinds return the internal catch-all code.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "ERR_500_INTERNAL"
}

// Category derives the category from the kind's code range.
func (k Kind) Category() Category {
	code := k.Code()
	if len(code) < 5 {
		return CategoryRuntime
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryLookup
	case '3':
		return CategoryProvider
	case '4':
		return CategoryData
	default:
		return CategoryRuntime
	}
}

// Retryable reports whether operations failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindTransport, KindRemoteUnavailable, KindTransient:
		return true
	default:
		return false
	}
}
