// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeVectorDimensionMismatch Code = "vector.insert.dimension_mismatch"
	CodeVectorEntryNotFound     Code = "vector.entry.not_found"
	CodeVectorTenantNotFound    Code = "vector.tenant.not_found"
	CodeVectorSnapshotCorrupt   Code = "vector.snapshot.load.corrupt"

	CodeSessionConnectDuplicate Code = "session.connect.duplicate"
	CodeSessionNotFound         Code = "session.not_found"
	CodeSessionSendFailure      Code = "session.send.failure"

	CodeDispatchQueueSaturated Code = "dispatch.queue.saturated"
	CodeDispatchRequestTimeout Code = "dispatch.request.timeout"
	CodeDispatchWorkerFailure  Code = "dispatch.worker.failure"
	CodeDispatchClosed         Code = "dispatch.pool.closed"

	CodeProviderEmbedUnavailable    Code = "provider.embed.unavailable"
	CodeProviderGenerateUnavailable Code = "provider.generate.unavailable"
	CodeProviderResponseInvalid     Code = "provider.response.invalid"

	CodeStoreDatabaseFailure Code = "store.database.failure"
	CodeStoreRecordNotFound  Code = "store.record.not_found"
	CodeStorePayloadInvalid  Code = "store.payload.invalid_format"

	CodeTenantRegisterDuplicate Code = "tenant.register.duplicate"
	CodeTenantNotFound          Code = "tenant.get.not_found"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
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

func FieldTenantID(value string) Attr {
	return Field("tenant_id", value)
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldRequestID(value string) Attr {
	return Field("request_id", value)
}

func FieldEntryID(value string) Attr {
	return Field("entry_id", value)
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

func IsDuplicate(err error) bool {
	return reason(CodeOf(err)) == "duplicate"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_format" || r == "invalid_value" || r == "dimension_mismatch"
}

func IsUnavailable(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsSaturated(err error) bool {
	return reason(CodeOf(err)) == "saturated"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsDuplicate(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsSaturated(err):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUnavailable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
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
