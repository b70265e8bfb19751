package awsec2

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/openfroyo/provseq/pkg/engine"
)

// EC2 error codes that change how a failure is handled.
const (
	codeDependencyViolation   = "DependencyViolation"
	codeRequestLimitExceeded  = "RequestLimitExceeded"
	codeThrottling            = "Throttling"
	codeThrottlingException   = "ThrottlingException"
	codeIncorrectState        = "IncorrectState"
	codeGatewayNotAttached    = "Gateway.NotAttached"
	notFoundSuffix            = ".NotFound"
	malformedSuffix           = ".Malformed"
	invalidParameterValueCode = "InvalidParameterValue"
)

// APIErrorCode returns the EC2 error code of err, or "".
func APIErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err is an EC2 "*.NotFound" error.
func IsNotFound(err error) bool {
	return strings.HasSuffix(APIErrorCode(err), notFoundSuffix)
}

// classify wraps an EC2 error into an engine error:
//
//   - DependencyViolation is transient: dependents are still detaching.
//   - IncorrectState is a conflict.
//   - RequestLimitExceeded and Throttling are throttled.
//   - "*.NotFound" is transient, EC2 being eventually consistent right after
//     a create.
//   - anything else is permanent.
func classify(kind, operation, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := APIErrorCode(err)
	msg := fmt.Sprintf("%s: %s failed", kind, operation)

	var classified *engine.EngineError
	switch {
	case code == codeDependencyViolation:
		classified = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeDependency)
	case code == codeIncorrectState:
		classified = engine.NewConflictError(msg, err).WithCode(engine.ErrCodeProviderFailed)
	case code == codeRequestLimitExceeded || code == codeThrottling || code == codeThrottlingException:
		classified = engine.NewThrottledError(msg, err).WithCode(engine.ErrCodeRateLimited)
	case strings.HasSuffix(code, notFoundSuffix):
		classified = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeNotFound)
	case strings.HasSuffix(code, malformedSuffix) || code == invalidParameterValueCode:
		classified = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeValidation)
	default:
		classified = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed)
	}

	classified = classified.WithOperation(operation)
	if id != "" {
		classified = classified.WithResource(id)
	}
	if code != "" {
		classified = classified.WithDetail("aws_code", code)
	}
	return classified
}

// notVisible is returned by PollStatus when a describe call returned nothing.
func notVisible(kind, id string) error {
	return engine.NewTransientError(kind+": not visible yet", nil).
		WithCode(engine.ErrCodeNotFound).
		WithOperation("poll").
		WithResource(id)
}

// deleted treats "*.NotFound" on delete as success: the resource is gone.
func deleted(kind, id string, err error) error {
	if IsNotFound(err) {
		return nil
	}
	return classify(kind, "delete", id, err)
}
