// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// apiError converts a domain error into a huma problem response. The status
// comes from the error code; the code itself travels in the first error
// detail so clients can branch on it.
func (s *Server) apiError(op string, err error) error {
	status := cperr.HTTPStatus(err)
	code := cperr.CodeOf(err)
	if code == "" {
		code = cperr.CodeServerInternalFailure
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "code", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "op", op, "code", code, "error", err)
	}

	detail := &huma.ErrorDetail{Location: "code", Value: string(code), Message: err.Error()}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = op + " failed"
		detail.Message = msg
	}
	return huma.NewError(status, msg, detail)
}
