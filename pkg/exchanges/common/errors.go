package common

import "fmt"

// ErrorKind is the closed set of normalized exchange error categories.
// Raw venue return codes are mapped into a kind; all downstream
// branching happens on the kind, never on raw codes or message text.
type ErrorKind string

const (
	KindParam        ErrorKind = "param_error"
	KindAuth         ErrorKind = "auth_error"
	KindRateLimit    ErrorKind = "rate_limit"
	KindServer       ErrorKind = "server_error"
	KindOrder        ErrorKind = "order_error"
	KindInsufficient ErrorKind = "insufficient_balance"
	KindNetwork      ErrorKind = "network_error"
	KindUnknown      ErrorKind = "unknown"
)

// ErrorAction tells the caller what to do with a classified error.
type ErrorAction struct {
	Retryable   bool
	LogLevel    string // debug / info / warning / error
	UserMessage string
}

var errorActions = map[ErrorKind]ErrorAction{
	KindParam:        {Retryable: false, LogLevel: "error", UserMessage: "exchange rejected request parameters"},
	KindAuth:         {Retryable: false, LogLevel: "error", UserMessage: "exchange authentication failed"},
	KindRateLimit:    {Retryable: true, LogLevel: "warning", UserMessage: "exchange rate limit hit, retrying later"},
	KindServer:       {Retryable: true, LogLevel: "error", UserMessage: "temporary exchange-side failure"},
	KindOrder:        {Retryable: false, LogLevel: "warning", UserMessage: "order rejected by exchange"},
	KindInsufficient: {Retryable: false, LogLevel: "warning", UserMessage: "insufficient balance for order"},
	KindNetwork:      {Retryable: true, LogLevel: "warning", UserMessage: "network error talking to exchange"},
	KindUnknown:      {Retryable: false, LogLevel: "error", UserMessage: "unknown exchange error"},
}

// ActionFor returns the action table entry for a kind.
func ActionFor(kind ErrorKind) ErrorAction {
	if a, ok := errorActions[kind]; ok {
		return a
	}
	return errorActions[KindUnknown]
}

// APIError is a classified exchange error.
type APIError struct {
	Kind    ErrorKind
	Code    int // raw venue return code, 0 when unavailable
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange error [%s] code=%d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange error [%s]: %s", e.Kind, e.Message)
}

// Retryable reports whether the action table allows a retry.
func (e *APIError) Retryable() bool {
	return ActionFor(e.Kind).Retryable
}

// NewAPIError classifies a raw venue return code into an APIError.
func NewAPIError(code int, message string) *APIError {
	return &APIError{Kind: ClassifyCode(code), Code: code, Message: message}
}

// ClassifyCode maps Bybit v5 return codes into the closed kind set.
// Codes not in the table fall through to KindUnknown.
func ClassifyCode(code int) ErrorKind {
	switch code {
	case 0:
		return KindUnknown // a zero code should never reach classification
	case 10001:
		return KindParam
	case 10003, 10004, 10005, 33004:
		return KindAuth
	case 10006, 10018:
		return KindRateLimit
	case 10016, 10010:
		return KindServer
	case 110007, 110012, 110045:
		return KindInsufficient
	}
	// Order-domain codes are grouped in the 110xxx range.
	if code >= 110000 && code < 120000 {
		return KindOrder
	}
	return KindUnknown
}
