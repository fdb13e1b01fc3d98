package sushi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SUSHI exception codes with a defined harvesting outcome.
const (
	CodeServiceNotAvailable     = 1000
	CodeServiceBusy             = 1010
	CodeReportQueued            = 1011
	CodeTooManyRequests         = 1020
	CodeInsufficientInformation = 1030
	CodeRequestorNotAuthorized  = 2000
	CodeRequestorNotAuthorized2 = 2010
	CodeAPIKeyInvalid           = 2020
	CodeCustomerNotAuthorized   = 2030
	CodeReportNotSupported      = 3000
	CodeReportVersionNotSupport = 3010
	CodeInvalidDateArguments    = 3020
	CodeNoUsageAvailable        = 3030
	CodeUsageNotReady           = 3031
)

// Exception is a SUSHI exception, reported either in the report header or as
// the whole response body.
type Exception struct {
	Code     int             `json:"Code"`
	Severity string          `json:"Severity,omitempty"`
	Message  string          `json:"Message"`
	Data     json.RawMessage `json:"Data,omitempty"`
	HelpURL  string          `json:"Help_URL,omitempty"`
}

func (e Exception) String() string {
	s := fmt.Sprintf("[%d] %s", e.Code, e.Message)
	if len(e.Data) > 0 {
		s += " (" + strings.Trim(string(e.Data), `"`) + ")"
	}
	return s
}

// NoUsage reports whether the endpoint has no usage for the requested period.
func (e Exception) NoUsage() bool {
	return e.Code == CodeNoUsageAvailable
}

// Kind maps the exception to an error kind. ok is false for informational
// exceptions that do not prevent using the report.
func (e Exception) Kind() (kind Kind, ok bool) {
	switch {
	case e.Code == CodeReportQueued, e.Code == CodeUsageNotReady:
		return KindNotReady, true
	case e.Code == CodeServiceNotAvailable, e.Code == CodeServiceBusy:
		return KindServerError, true
	case e.Code == CodeTooManyRequests:
		return KindRateLimited, true
	case e.Code == CodeRequestorNotAuthorized, e.Code == CodeRequestorNotAuthorized2,
		e.Code == CodeAPIKeyInvalid, e.Code == CodeCustomerNotAuthorized:
		return KindUnauthorized, true
	case e.Code >= CodeReportNotSupported && e.Code <= CodeInvalidDateArguments:
		return KindRejected, true
	case e.Code == CodeInsufficientInformation:
		return KindRejected, true
	}
	return "", false
}

type exceptionProbe struct {
	Code      *int       `json:"Code"`
	Severity  string     `json:"Severity"`
	Message   string     `json:"Message"`
	Exception *Exception `json:"Exception"`
	Header    *struct {
		Exceptions []Exception `json:"Exceptions"`
	} `json:"Report_Header"`
}

// parseExceptions extracts the exceptions of a body. bare is true when the body
// is only exceptions, with no report at all.
func parseExceptions(body []byte) (exceptions []Exception, bare bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	switch trimmed[0] {
	case '[':
		var list []Exception
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, false
		}
		for _, e := range list {
			if e.Code == 0 {
				return nil, false
			}
		}
		return list, len(list) > 0
	case '{':
		var probe exceptionProbe
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, false
		}
		switch {
		case probe.Header != nil:
			return probe.Header.Exceptions, false
		case probe.Exception != nil:
			return []Exception{*probe.Exception}, true
		case probe.Code != nil:
			var e Exception
			if err := json.Unmarshal(trimmed, &e); err != nil {
				return nil, false
			}
			return []Exception{e}, true
		}
	}
	return nil, false
}

// firstError returns the first exception that prevents using the report.
func firstError(exceptions []Exception) (Exception, Kind, bool) {
	for _, e := range exceptions {
		if kind, ok := e.Kind(); ok {
			return e, kind, true
		}
	}
	return Exception{}, "", false
}

func hasNoUsage(exceptions []Exception) bool {
	for _, e := range exceptions {
		if e.NoUsage() {
			return true
		}
	}
	return false
}
