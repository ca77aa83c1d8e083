// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error. The last dotted
// segment is the reason and drives classification.
type Code string

const (
	CodeVectorDimensionMismatch Code = "vector.dimension.mismatch"
	CodeVectorMetricInvalid     Code = "vector.metric.invalid"
	CodeVectorMetadataInvalid   Code = "vector.metadata.invalid_input"
	CodeVectorZeroInvalid       Code = "vector.zero.invalid_input"

	CodeStoreRecordNotFound     Code = "store.record.not_found"
	CodeStoreRecordInvalid      Code = "store.record.invalid_input"
	CodeStoreCollectionNotFound Code = "store.collection.not_found"
	CodeStoreCollectionConflict Code = "store.collection.conflict"
	CodeStoreDatabaseFailure    Code = "store.database.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreSearchUnsupported  Code = "store.search.unsupported"
	CodeStoreClosed             Code = "store.state.closed"

	CodeIndexRebuildFailure   Code = "index.rebuild.failure"
	CodeIndexRebuildCancelled Code = "index.rebuild.cancelled"
	CodeIndexRebuildExceeded  Code = "index.rebuild.exceeded"
	CodeIndexMergeFailure     Code = "index.merge.failure"
	CodeIndexConfigInvalid    Code = "index.config.invalid"

	CodeQueryKInvalid       Code = "query.k.invalid"
	CodeQueryFilterInvalid  Code = "query.filter.invalid"
	CodeQueryConsistency    Code = "query.consistency.invalid"
	CodeQueryRequestInvalid Code = "query.request.invalid"

	CodeCollectionGetNotFound     Code = "collection.get.not_found"
	CodeCollectionCreateConflict  Code = "collection.create.conflict"
	CodeCollectionSpecInvalid     Code = "collection.spec.invalid"
	CodeCollectionOpenFailure     Code = "collection.open.failure"
	CodeCollectionCloseFailure    Code = "collection.close.failure"
	CodeCollectionEmbedderMissing Code = "collection.embedder.invalid"

	CodeEmbedRequestInvalid   Code = "embed.request.invalid"
	CodeEmbedResponseInvalid  Code = "embed.response.upstream.failure"
	CodeEmbedUpstreamFailure  Code = "embed.provider.upstream.failure"
	CodeEmbedProviderNotFound Code = "embed.registry.not_found"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigKeyringFailure       Code = "config.keyring.failure"

	CodeSecretResolveFailure Code = "secret.resolve.failure"
	CodeSecretNotFound       Code = "secret.keyring.not_found"
	CodeSecretURIInvalid     Code = "secret.uri.invalid"
	CodeSecretInvalidInput   Code = "secret.input.invalid"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretDeleteFailure  Code = "secret.delete.failure"
	CodeSecretListFailure    Code = "secret.list.failure"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerConfigInvalid   Code = "server.config.invalid"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"
	CodeServerRateLimited     Code = "server.rate.exceeded"

	CodeCLIServerNotRunning Code = "cli.server.not_running"
	CodeCLIRequestFailure   Code = "cli.request.failure"
	CodeCLIResponseInvalid  Code = "cli.response.invalid"
	CodeCLISetupFailure     Code = "cli.setup.failure"
	CodeCLIInputInvalid     Code = "cli.input.invalid"

	CodeSchedulerConfigInvalid Code = "scheduler.config.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldCollection(value string) Attr {
	return Field("collection", value)
}

func FieldRecordID(value string) Attr {
	return Field("record_id", value)
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsDimensionMismatch reports whether err is a vector length mismatch.
func IsDimensionMismatch(err error) bool {
	return reason(CodeOf(err)) == "mismatch"
}

func IsExceeded(err error) bool {
	return reason(CodeOf(err)) == "exceeded"
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case HasCode(err, CodeIndexRebuildFailure), HasCode(err, CodeIndexRebuildCancelled), HasCode(err, CodeStoreClosed):
		return http.StatusServiceUnavailable
	case HasCode(err, CodeServerRateLimited):
		return http.StatusTooManyRequests
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsDimensionMismatch(err):
		return http.StatusUnprocessableEntity
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsUpstreamFailure(err):
		return http.StatusBadGateway
	case reason(CodeOf(err)) == "unsupported":
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Join combines errs, dropping nils. A single error is returned as is; a
// combination takes the code of its first member.
func Join(errs ...error) error {
	errs = slices.DeleteFunc(slices.Clone(errs), func(err error) bool { return err == nil })
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}

	code := CodeOf(errs[0])
	if code == "" {
		code = CodeServerInternalFailure
	}
	return oops.Code(code).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
