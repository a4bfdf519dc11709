package ffi

import (
	"errors"
	"fmt"

	"geneva-ingest/internal/auth"
	"geneva-ingest/internal/geneva"
)

// Code 는 C 쪽으로 나가는 결과 코드. 값은 ABI 이므로 바꾸지 않는다.
type Code int32

const (
	Success              Code = 0
	InvalidConfig        Code = 1
	InitializationFailed Code = 2
	UploadFailed         Code = 3
	InvalidData          Code = 4
	InternalError        Code = 5

	NullPointer     Code = 100
	EmptyInput      Code = 101
	DecodeFailed    Code = 102
	IndexOutOfRange Code = 103
	InvalidHandle   Code = 104

	InvalidAuthMethod Code = 110
	InvalidCertConfig Code = 111

	MissingEndpoint     Code = 130
	MissingEnvironment  Code = 131
	MissingAccount      Code = 132
	MissingNamespace    Code = 133
	MissingRegion       Code = 134
	MissingTenant       Code = 135
	MissingRoleName     Code = 136
	MissingRoleInstance Code = 137
)

var codeNames = map[Code]string{
	Success:              "SUCCESS",
	InvalidConfig:        "INVALID_CONFIG",
	InitializationFailed: "INITIALIZATION_FAILED",
	UploadFailed:         "UPLOAD_FAILED",
	InvalidData:          "INVALID_DATA",
	InternalError:        "INTERNAL_ERROR",
	NullPointer:          "ERR_NULL_POINTER",
	EmptyInput:           "ERR_EMPTY_INPUT",
	DecodeFailed:         "ERR_DECODE_FAILED",
	IndexOutOfRange:      "ERR_INDEX_OUT_OF_RANGE",
	InvalidHandle:        "ERR_INVALID_HANDLE",
	InvalidAuthMethod:    "ERR_INVALID_AUTH_METHOD",
	InvalidCertConfig:    "ERR_INVALID_CERT_CONFIG",
	MissingEndpoint:      "ERR_MISSING_ENDPOINT",
	MissingEnvironment:   "ERR_MISSING_ENVIRONMENT",
	MissingAccount:       "ERR_MISSING_ACCOUNT",
	MissingNamespace:     "ERR_MISSING_NAMESPACE",
	MissingRegion:        "ERR_MISSING_REGION",
	MissingTenant:        "ERR_MISSING_TENANT",
	MissingRoleName:      "ERR_MISSING_ROLE_NAME",
	MissingRoleInstance:  "ERR_MISSING_ROLE_INSTANCE",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

var missingCodes = map[string]Code{
	"endpoint":      MissingEndpoint,
	"environment":   MissingEnvironment,
	"account":       MissingAccount,
	"namespace":     MissingNamespace,
	"region":        MissingRegion,
	"tenant":        MissingTenant,
	"role_name":     MissingRoleName,
	"role_instance": MissingRoleInstance,
}

// Error 는 코드와 진단 메시지. 진단 메시지는 C 호출자의 버퍼로 복사된다.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(c Code, format string, args ...any) *Error {
	return &Error{Code: c, Err: fmt.Errorf(format, args...)}
}

// CodeOf 는 err 를 코드로 바꾼다. nil 은 Success.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return InternalError
}

// clientCode 는 geneva.New 실패를 코드로.
func clientCode(err error, certificate bool) Code {
	var mf *geneva.MissingFieldError
	if errors.As(err, &mf) {
		if c, ok := missingCodes[mf.Field]; ok {
			return c
		}
		return InvalidConfig
	}
	var ce *auth.ConfigurationError
	if errors.As(err, &ce) {
		if certificate {
			return InvalidCertConfig
		}
		return InvalidConfig
	}
	if errors.Is(err, geneva.ErrInvalidConfig) {
		return InvalidConfig
	}
	return InitializationFailed
}
