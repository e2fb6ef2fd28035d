package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ErrShutdownRequested is returned by a handler that asks the daemon to exit.
// It is a control signal, not an HTTP error: no response is written for it.
var ErrShutdownRequested = errors.New("shutdown requested")

// StatusError carries the HTTP status a failure should be reported with.
type StatusError struct {
	Code   int
	Detail string
	Err    error
}

// NewStatusError returns a StatusError for code with an optional client-facing detail.
func NewStatusError(code int, detail string, err error) *StatusError {
	return &StatusError{Code: code, Detail: detail, Err: err}
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

var defaultHTMLMessages = map[int]string{
	http.StatusBadRequest:            "The server cannot process the request due to a client error.",
	http.StatusForbidden:             "You do not have permission to access this resource.",
	http.StatusNotFound:              "The requested resource was not found on this server.",
	http.StatusMethodNotAllowed:      "The method is not allowed for the requested resource.",
	http.StatusConflict:              "The request conflicts with the current state of the server.",
	http.StatusRequestEntityTooLarge: "The request body is too large.",
	http.StatusInternalServerError:   "The server encountered an internal error and was unable to complete your request.",
	http.StatusNotImplemented:        "The server does not support the functionality required to fulfil the request.",
	http.StatusServiceUnavailable:    "The server is shutting down.",
}

// PrefersJSON reports whether an Accept header ranks application/json first.
// Offers are ordered by q-value, then specificity, then position.
func PrefersJSON(accept string) bool {
	if accept == "" {
		return false
	}
	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer
	for i, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		mediaType, params, _ := strings.Cut(part, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			p = strings.TrimSpace(p)
			if !strings.HasPrefix(p, "q=") {
				continue
			}
			if v, err := strconv.ParseFloat(p[2:], 64); err == nil && v >= 0 && v <= 1 {
				q = v
			} else {
				q = 0
			}
			break
		}
		if q <= 0 || mediaType == "" {
			continue
		}
		offers = append(offers, offer{
			mediaType: mediaType,
			q:         q,
			specific:  !strings.HasSuffix(mediaType, "/*"),
			order:     i,
		})
	}
	if len(offers) == 0 {
		return false
	}
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// ComposeError builds an error response. The body is JSON when preferJSON is
// set and a small HTML page otherwise.
func ComposeError(status int, detail string, preferJSON bool) *Response {
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Error"
	}
	headers := map[string]string{
		"Cache-Control": "no-cache, no-store, must-revalidate",
	}

	if preferJSON {
		body, err := json.Marshal(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: status,
			Message:    statusText,
			Detail:     detail,
		}})
		if err == nil {
			headers["Content-Type"] = "application/json; charset=utf-8"
			return ComposeResponse(status, headers, body)
		}
	}

	message, known := defaultHTMLMessages[status]
	if !known {
		message = "The server encountered an error processing your request."
	}
	if detail != "" {
		message += " " + html.EscapeString(detail)
	}
	title := fmt.Sprintf("%d %s", status, statusText)
	body := fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(statusText), message)
	headers["Content-Type"] = "text/html; charset=utf-8"
	return ComposeResponse(status, headers, []byte(body))
}

// WriteErrorResponse writes an error response negotiated on req's Accept header.
func WriteErrorResponse(conn *Connection, req *Request, status int, detail string) error {
	accept := ""
	if req != nil && req.Header != nil {
		accept = req.Header.Get("Accept")
	}
	return conn.Write(ComposeError(status, detail, PrefersJSON(accept)))
}

// StatusCodeOf maps an error to the HTTP status it should be reported with.
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}
