package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/pipeline"
)

// errorBody is the uniform error envelope returned by every endpoint.
type errorBody struct {
	Success    bool         `json:"success"`
	Error      errorDetail  `json:"error"`
	Context    errorContext `json:"context"`
	HTTPStatus int          `json:"httpStatus"`
}

type errorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

type errorContext struct {
	ExecutionID string `json:"executionId,omitempty"`
	PipelineID  string `json:"pipelineId,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
	RetryCount  int    `json:"retryCount"`
}

// writeError renders err in the uniform envelope. ec carries execution
// identity when the failure happened inside a pipeline run.
func writeError(c *gin.Context, err error, ec *pipeline.ExecutionContext) {
	perr := toPipelineError(err)
	status := errcenter.HTTPStatus(perr.Code)

	ctx := errorContext{PipelineID: perr.PipelineID, InstanceID: perr.InstanceID}
	if ec != nil {
		ctx.ExecutionID = ec.ExecutionID
		if ctx.PipelineID == "" {
			ctx.PipelineID = ec.PipelineID
		}
		if ctx.InstanceID == "" {
			ctx.InstanceID = ec.InstanceID
		}
		ctx.RetryCount = ec.RetryCount
	}

	c.JSON(status, errorBody{
		Success: false,
		Error: errorDetail{
			Code:     string(perr.Code),
			Message:  perr.Message,
			Category: string(perr.Category),
			Severity: string(perr.Severity),
		},
		Context:    ctx,
		HTTPStatus: status,
	})
}

func toPipelineError(err error) *errcenter.PipelineError {
	var perr *errcenter.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return errcenter.New(errcenter.CodeInternalError, "api", err.Error())
}
