package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Trade errors
	CodeTradeSelf            Code = "TRADE_SELF"
	CodeTradeNotPlayer       Code = "TRADE_NOT_PLAYER"
	CodeTradeForbidden       Code = "TRADE_FORBIDDEN"
	CodeTradeNotFound        Code = "TRADE_NOT_FOUND"
	CodeTradeItemUnavailable Code = "TRADE_ITEM_UNAVAILABLE"

	// Impersonation errors
	CodeImpersonationForbidden     Code = "IMPERSONATION_FORBIDDEN"
	CodeImpersonationTargetInvalid Code = "IMPERSONATION_TARGET_INVALID"
	CodeImpersonationNotFound      Code = "IMPERSONATION_NOT_FOUND"

	// Story watcher errors
	CodeStoryMissingConfig Code = "STORY_MISSING_CONFIG"
	CodeStoryUpstream      Code = "STORY_UPSTREAM"

	// Subscription errors
	CodeSubscribeForbidden Code = "SUBSCRIBE_FORBIDDEN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// WSCode maps domain codes to the wire error codes carried by error frames.
func (c Code) WSCode() string {
	switch c {
	case CodeTradeSelf, CodeTradeNotPlayer, CodeImpersonationTargetInvalid:
		return "INVALID_ARGUMENT"
	case CodeTradeForbidden, CodeImpersonationForbidden, CodeSubscribeForbidden:
		return "FORBIDDEN"
	case CodeTradeNotFound, CodeImpersonationNotFound, CodeNotFound:
		return "NOT_FOUND"
	case CodeTradeItemUnavailable, CodeStoryMissingConfig:
		return "FAILED_PRECONDITION"
	case CodeStoryUpstream:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
