package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/log"
)

//retryAfter is the Retry-After value, in seconds, sent with 503s
const retryAfter = "2"

//apiHandler serves one authenticated route. The caller is the user id
//set by the proxy in front of the relay; a returned error is written
//as the response.
type apiHandler func(w http.ResponseWriter, r *http.Request, caller string) error

//statusRecorder keeps the status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

//handle registers an authenticated route on the router
func (s *Server) handle(pattern, route string, fn apiHandler) {
	s.router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		caller := strings.TrimSpace(r.Header.Get(s.opts.Relay.UserHeader))
		var err error
		if caller == "" {
			err = errs.ErrUnauthenticated
		} else {
			err = fn(rec, r, caller)
		}
		if err != nil {
			writeError(rec, err)
		}

		s.metrics.observeRequest(route, rec.code, time.Since(start))
	})
}

//statusFor maps an error code onto the HTTP status it is reported as
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalidPayload, errs.CodeInvalidParticipants:
		return http.StatusBadRequest
	case errs.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errs.CodeNotAuthorized, errs.CodeNotAParticipant:
		return http.StatusForbidden
	case errs.CodeConversationNotFound, errs.CodeEnvelopeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := statusFor(code)

	body := errs.AppError{Code: code, Message: "internal error"}
	var ae *errs.AppError
	if errors.As(err, &ae) {
		body.Message = ae.Message
	}

	if status >= http.StatusInternalServerError {
		log.Err("request failed with %s", code, err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfter)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("failed to write response: %s", err.Error())
	}
}

//decodeBody reads a JSON request body no larger than limit bytes
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errs.InvalidPayload("request body too large")
		case err == io.EOF:
			return errs.InvalidPayload("request body is required")
		}
		return errs.Wrap(errs.CodeInvalidPayload, "malformed request body", err)
	}
	return nil
}
