package linkedrole

// Reason is the terminal state of a callback. It doubles as the metrics label.
type Reason string

const (
	ReasonSuccess             Reason = "success"
	ReasonMissingParameters   Reason = "missing_parameters"
	ReasonUnauthorized        Reason = "unauthorized"
	ReasonAuthExchange        Reason = "auth_exchange"
	ReasonAPIQuery            Reason = "api_query"
	ReasonResolverUnavailable Reason = "resolver_unavailable"
	ReasonUserNotFound        Reason = "user_not_found"
	ReasonIDMismatch          Reason = "id_mismatch"
	ReasonNotMember           Reason = "not_member"
	ReasonIneligible          Reason = "ineligible"
	ReasonNoMetadata          Reason = "no_metadata"
	ReasonPushFailed          Reason = "push_failed"
)

var messages = map[Reason]string{
	ReasonMissingParameters:   "You should not be here!",
	ReasonUnauthorized:        "Unauthorized",
	ReasonAuthExchange:        "Could not authorize with discord",
	ReasonAPIQuery:            "Error while querying discord api",
	ReasonResolverUnavailable: "Could not resolve metadata",
	ReasonUserNotFound:        "User not found.",
	ReasonIDMismatch:          "User ID mismatch. Please try again or contact support.",
	ReasonNotMember:           "You need to join Trade Central first.",
	ReasonNoMetadata:          "Metadata not found.",
	ReasonPushFailed:          "Exception while pushing metadata",
}

const ineligiblePrefix = "Your account is not eligible for verification for the following reason: "

// Outcome is the result of one callback.
type Outcome struct {
	Reason Reason
	// Detail is the failing resource for ReasonAPIQuery and the resolver's
	// exception for ReasonIneligible.
	Detail string
	// UserID is set once the Discord profile has been read.
	UserID string
	// Err is the underlying error, if any. It is never shown to the user.
	Err error
}

// OK reports whether the metadata was pushed.
func (o Outcome) OK() bool {
	return o.Reason == ReasonSuccess
}

// Message is the text shown on the failure page. It is empty on success.
func (o Outcome) Message() string {
	if o.Reason == ReasonIneligible {
		return ineligiblePrefix + o.Detail
	}
	return messages[o.Reason]
}
