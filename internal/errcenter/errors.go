// Package errcenter classifies pipeline failures and decides how the router
// reacts to them: retry, failover, blacklist or maintenance. It also owns the
// blacklist with its TTL reaper.
package errcenter

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Category groups error codes by the subsystem that produced them.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryLifecycle     Category = "pipeline_lifecycle"
	CategoryScheduling    Category = "scheduling"
	CategoryExecution     Category = "execution"
	CategoryNetwork       Category = "network"
	CategoryAuth          Category = "authentication"
	CategoryRateLimit     Category = "rate_limiting"
	CategoryResource      Category = "resource"
	CategoryData          Category = "data"
	CategorySystem        Category = "system"
)

// Severity grades how serious a failure is for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Recoverability states whether the failure can be retried in place.
type Recoverability string

const (
	Recoverable     Recoverability = "recoverable"
	Unrecoverable   Recoverability = "unrecoverable"
	AuthRecoverable Recoverability = "auth"
)

// Impact states the blast radius of the failure.
type Impact string

const (
	ImpactSingleModule Impact = "single_module"
	ImpactPipeline     Impact = "pipeline"
	ImpactSystem       Impact = "system"
)

// Error codes grouped by category.
const (
	CodeInvalidConfig Code = "invalid_config"
	CodeMissingConfig Code = "missing_config"

	CodePipelineNotFound      Code = "pipeline_not_found"
	CodePipelineExists        Code = "pipeline_already_exists"
	CodePipelineInvalidState  Code = "pipeline_in_invalid_state"
	CodeNoAvailablePipelines  Code = "no_available_pipelines"
	CodeLoadBalancingFailed   Code = "load_balancing_failed"
	CodeExecutionFailed       Code = "execution_failed"
	CodeExecutionTimeout      Code = "execution_timeout"
	CodeExecutionCancelled    Code = "execution_cancelled"
	CodeExecutionAborted      Code = "execution_aborted"
	CodeConnectionFailed      Code = "connection_failed"
	CodeRequestTimeout        Code = "request_timeout"
	CodeNetworkUnreachable    Code = "network_unreachable"
	CodeProtocolError         Code = "protocol_error"
	CodeAuthenticationFailed  Code = "authentication_failed"
	CodeTokenExpired          Code = "token_expired"
	CodeInvalidCredentials    Code = "invalid_credentials"
	CodeAccessDenied          Code = "access_denied"
	CodeRateLimitExceeded     Code = "rate_limit_exceeded"
	CodeTooManyRequests       Code = "too_many_requests"
	CodeQuotaExceeded         Code = "quota_exceeded"
	CodeThrottled             Code = "throttled"
	CodeInsufficientMemory    Code = "insufficient_memory"
	CodeInsufficientDisk      Code = "insufficient_disk"
	CodeCPUOverload           Code = "cpu_overload"
	CodeResourceExhausted     Code = "resource_exhausted"
	CodeDataInvalidFormat     Code = "data_invalid_format"
	CodeDataValidationFailed  Code = "data_validation_failed"
	CodeDataTooLarge          Code = "data_too_large"
	CodeDataCorrupted         Code = "data_corrupted"
	CodeInternalError         Code = "internal_error"
	CodeSystemOverload        Code = "system_overload"
	CodeServiceUnavailable    Code = "service_unavailable"
	CodeMaintenanceInProgress Code = "maintenance_in_progress"
)

// Code identifies a concrete error condition.
type Code string

// PipelineError is the immutable error record that flows through the router.
type PipelineError struct {
	Code           Code
	Category       Category
	Severity       Severity
	Recoverability Recoverability
	Impact         Impact
	Source         string
	Message        string
	Timestamp      time.Time
	PipelineID     string
	InstanceID     string
	Details        map[string]any
	cause          error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *PipelineError) Unwrap() error { return e.cause }

// New constructs a PipelineError with the category defaults filled in.
func New(code Code, source, message string) *PipelineError {
	category := CategoryFor(code)
	return &PipelineError{
		Code:           code,
		Category:       category,
		Severity:       defaultSeverity(category),
		Recoverability: defaultRecoverability(category),
		Impact:         defaultImpact(category),
		Source:         source,
		Message:        message,
		Timestamp:      time.Now(),
	}
}

// Wrap builds a PipelineError around an underlying cause.
func Wrap(code Code, source string, cause error) *PipelineError {
	perr := New(code, source, "")
	if cause != nil {
		perr.Message = cause.Error()
		perr.cause = cause
	}
	return perr
}

// WithPipeline returns a copy annotated with pipeline and instance ids.
func (e *PipelineError) WithPipeline(pipelineID, instanceID string) *PipelineError {
	if e == nil {
		return nil
	}
	copyErr := *e
	copyErr.PipelineID = pipelineID
	copyErr.InstanceID = instanceID
	return &copyErr
}

var codeCategories = map[Code]Category{
	CodeInvalidConfig:         CategoryConfiguration,
	CodeMissingConfig:         CategoryConfiguration,
	CodePipelineNotFound:      CategoryLifecycle,
	CodePipelineExists:        CategoryLifecycle,
	CodePipelineInvalidState:  CategoryLifecycle,
	CodeNoAvailablePipelines:  CategoryScheduling,
	CodeLoadBalancingFailed:   CategoryScheduling,
	CodeExecutionFailed:       CategoryExecution,
	CodeExecutionTimeout:      CategoryExecution,
	CodeExecutionCancelled:    CategoryExecution,
	CodeExecutionAborted:      CategoryExecution,
	CodeConnectionFailed:      CategoryNetwork,
	CodeRequestTimeout:        CategoryNetwork,
	CodeNetworkUnreachable:    CategoryNetwork,
	CodeProtocolError:         CategoryNetwork,
	CodeAuthenticationFailed:  CategoryAuth,
	CodeTokenExpired:          CategoryAuth,
	CodeInvalidCredentials:    CategoryAuth,
	CodeAccessDenied:          CategoryAuth,
	CodeRateLimitExceeded:     CategoryRateLimit,
	CodeTooManyRequests:       CategoryRateLimit,
	CodeQuotaExceeded:         CategoryRateLimit,
	CodeThrottled:             CategoryRateLimit,
	CodeInsufficientMemory:    CategoryResource,
	CodeInsufficientDisk:      CategoryResource,
	CodeCPUOverload:           CategoryResource,
	CodeResourceExhausted:     CategoryResource,
	CodeDataInvalidFormat:     CategoryData,
	CodeDataValidationFailed:  CategoryData,
	CodeDataTooLarge:          CategoryData,
	CodeDataCorrupted:         CategoryData,
	CodeInternalError:         CategorySystem,
	CodeSystemOverload:        CategorySystem,
	CodeServiceUnavailable:    CategorySystem,
	CodeMaintenanceInProgress: CategorySystem,
}

// CategoryFor resolves the category of a code, defaulting to system.
func CategoryFor(code Code) Category {
	if category, ok := codeCategories[code]; ok {
		return category
	}
	return CategorySystem
}

func defaultSeverity(category Category) Severity {
	switch category {
	case CategoryNetwork, CategoryRateLimit:
		return SeverityMedium
	case CategoryAuth, CategoryResource, CategorySystem:
		return SeverityHigh
	case CategoryConfiguration:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

func defaultRecoverability(category Category) Recoverability {
	switch category {
	case CategoryNetwork, CategoryRateLimit:
		return Recoverable
	case CategoryAuth:
		return AuthRecoverable
	case CategoryData, CategoryConfiguration:
		return Unrecoverable
	default:
		return Recoverable
	}
}

func defaultImpact(category Category) Impact {
	switch category {
	case CategorySystem, CategoryConfiguration:
		return ImpactSystem
	case CategoryScheduling, CategoryLifecycle:
		return ImpactPipeline
	default:
		return ImpactSingleModule
	}
}

// HTTPStatus maps an error code to the client-visible HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidConfig, CodeMissingConfig, CodeDataInvalidFormat:
		return http.StatusBadRequest
	case CodeAuthenticationFailed, CodeTokenExpired, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodePipelineNotFound:
		return http.StatusNotFound
	case CodePipelineExists:
		return http.StatusConflict
	case CodeDataTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeDataCorrupted, CodeDataValidationFailed:
		return http.StatusUnprocessableEntity
	case CodeRateLimitExceeded, CodeTooManyRequests, CodeQuotaExceeded, CodeThrottled:
		return http.StatusTooManyRequests
	case CodeExecutionCancelled:
		return 499 // client closed request
	case CodeProtocolError:
		return http.StatusBadGateway
	case CodeNoAvailablePipelines, CodeServiceUnavailable, CodeMaintenanceInProgress:
		return http.StatusServiceUnavailable
	case CodeExecutionTimeout, CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case CodeInsufficientMemory, CodeInsufficientDisk, CodeResourceExhausted:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies an upstream HTTP status into an error code.
func FromHTTPStatus(status int, body string) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeTokenExpired
	case status == http.StatusForbidden:
		return CodeAccessDenied
	case status == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(body), "quota") {
			return CodeQuotaExceeded
		}
		return CodeRateLimitExceeded
	case status == http.StatusRequestEntityTooLarge:
		return CodeDataTooLarge
	case status >= 400 && status < 500:
		return CodeDataInvalidFormat
	case status == http.StatusGatewayTimeout:
		return CodeRequestTimeout
	default:
		return CodeInternalError
	}
}
