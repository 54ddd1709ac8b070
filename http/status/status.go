// Package status maps HTTP status codes to their canonical reason phrases.
//
// The table covers the IANA-registered codes plus the de facto ones used
// in the wild (444, 499, 599). Codes outside the table are not an error,
// they just serialize with the UnknownReason placeholder.
package status

type Status struct {
	Code         uint
	ReasonPhrase string
}

// UnknownReason is the phrase reported for codes outside the table.
const UnknownReason = "<unknown-status>"

// Informational 1XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2
var (
	Continue           = add(Status{100, "Continue"})
	SwitchingProtocols = add(Status{101, "Switching Protocols"})
	Processing         = add(Status{102, "Processing"})
)

// Successful 2XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.3
var (
	OK                   = add(Status{200, "OK"})
	Created              = add(Status{201, "Created"})
	Accepted             = add(Status{202, "Accepted"})
	NonAuthoritativeInfo = add(Status{203, "Non-Authoritative Information"})
	NoContent            = add(Status{204, "No Content"})
	ResetContent         = add(Status{205, "Reset Content"})
	PartialContent       = add(Status{206, "Partial Content"})
	MultiStatus          = add(Status{207, "Multi-Status"})
	AlreadyReported      = add(Status{208, "Already Reported"})
	IMUsed               = add(Status{226, "IM Used"})
)

// Redirection 3xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.4
var (
	MultipleChoices   = add(Status{300, "Multiple Choices"})
	MovedPermanently  = add(Status{301, "Moved Permanently"})
	Found             = add(Status{302, "Found"})
	SeeOther          = add(Status{303, "See Other"})
	NotModified       = add(Status{304, "Not Modified"})
	UseProxy          = add(Status{305, "Use Proxy"})
	TemporaryRedirect = add(Status{307, "Temporary Redirect"})
	PermanentRedirect = add(Status{308, "Permanent Redirect"})
)

// Client Error 4xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.5
var (
	BadRequest                 = add(Status{400, "Bad Request"})
	Unauthorized               = add(Status{401, "Unauthorized"})
	PaymentRequired            = add(Status{402, "Payment Required"})
	Forbidden                  = add(Status{403, "Forbidden"})
	NotFound                   = add(Status{404, "Not Found"})
	MethodNotAllowed           = add(Status{405, "Method Not Allowed"})
	NotAcceptable              = add(Status{406, "Not Acceptable"})
	ProxyAuthRequired          = add(Status{407, "Proxy Authentication Required"})
	RequestTimeout             = add(Status{408, "Request Timeout"})
	Conflict                   = add(Status{409, "Conflict"})
	Gone                       = add(Status{410, "Gone"})
	LengthRequired             = add(Status{411, "Length Required"})
	PreconditionFailed         = add(Status{412, "Precondition Failed"})
	PayloadTooLarge            = add(Status{413, "Payload Too Large"})
	URITooLong                 = add(Status{414, "URI Too Long"})
	UnsupportedMediaType       = add(Status{415, "Unsupported Media Type"})
	RangeNotSatisfiable        = add(Status{416, "Range Not Satisfiable"})
	ExpectationFailed          = add(Status{417, "Expectation Failed"})
	MisdirectedRequest         = add(Status{421, "Misdirected Request"})
	UnprocessableEntity        = add(Status{422, "Unprocessable Entity"})
	Locked                     = add(Status{423, "Locked"})
	FailedDependency           = add(Status{424, "Failed Dependency"})
	UpgradeRequired            = add(Status{426, "Upgrade Required"})
	PreconditionRequired       = add(Status{428, "Precondition Required"})
	TooManyRequests            = add(Status{429, "Too Many Requests"})
	HeaderFieldsTooLarge       = add(Status{431, "Request Header Fields Too Large"})
	ConnClosedWithoutResponse  = add(Status{444, "Connection Closed Without Response"})
	UnavailableForLegalReasons = add(Status{451, "Unavailable For Legal Reasons"})
	ClientClosedRequest        = add(Status{499, "Client Closed Request"})
)

// Server Error 5xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.6
var (
	InternalServerError     = add(Status{500, "Internal Server Error"})
	NotImplemented          = add(Status{501, "Not Implemented"})
	BadGateway              = add(Status{502, "Bad Gateway"})
	ServiceUnavailable      = add(Status{503, "Service Unavailable"})
	GatewayTimeout          = add(Status{504, "Gateway Timeout"})
	HTTPVersionNotSupported = add(Status{505, "HTTP Version Not Supported"})
	VariantAlsoNegotiates   = add(Status{506, "Variant Also Negotiates"})
	InsufficientStorage     = add(Status{507, "Insufficient Storage"})
	LoopDetected            = add(Status{508, "Loop Detected"})
	NotExtended             = add(Status{510, "Not Extended"})
	NetworkAuthRequired     = add(Status{511, "Network Authentication Required"})
	NetworkConnectTimeout   = add(Status{599, "Network Connect Timeout Error"})
)

var sm = make(map[uint]*Status)

func add(status Status) Status {
	sm[status.Code] = &status
	return status
}

// FromCode looks the code up in the table. The returned ok reports whether
// the code is registered; an unregistered code comes back with an empty
// reason phrase.
func FromCode(code uint) (status Status, ok bool) {
	s, ok := sm[code]
	if !ok {
		return Status{Code: code, ReasonPhrase: ""}, false
	}

	return *s, true
}

// ReasonFor returns the canonical reason phrase for code, or UnknownReason
// when the code is not registered. Never fails: unrecognized is not invalid.
func ReasonFor(code uint) string {
	if s, ok := sm[code]; ok {
		return s.ReasonPhrase
	}

	return UnknownReason
}

// IsValid reports whether code lies in the range status codes occupy on
// the wire. It says nothing about the code being registered.
func IsValid(code uint) bool {
	return 100 <= code && code <= 599
}
