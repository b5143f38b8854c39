package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(c *gin.Context, err error) {
	code := app.ErrorCode(err)
	status := http.StatusInternalServerError
	var details map[string]any

	var (
		halt  *stoprule.HaltError
		chain *ledger.ChainIntegrityError
	)
	switch {
	case errors.As(err, &halt):
		status = http.StatusUnprocessableEntity
		details = map[string]any{"violations": halt.Violations}
	case errors.As(err, &chain):
		if chain.Code == ledger.FaultHeadConflict {
			status = http.StatusConflict
		}
		details = map[string]any{"receipt_id": chain.ReceiptID}
	default:
		switch code {
		case app.CodeInvalidTransition, app.CodeTerminalState, app.CodeDuplicate, app.CodeEmptyBatch:
			status = http.StatusConflict
		case app.CodeNotFound:
			status = http.StatusNotFound
		case app.CodeInsufficientData:
			status = http.StatusUnprocessableEntity
		case app.CodeThresholdRange, app.CodeInvalidCalibration:
			status = http.StatusBadRequest
		case app.CodeTimeout, app.CodeModuleDisabled, app.CodeCancelled:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, errorResponse{
		Code:    code,
		Message: err.Error(),
		Details: details,
	})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}

func invalidJSON(c *gin.Context, err error) {
	writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json: "+err.Error())
}

func invalidArgument(c *gin.Context, message string) {
	writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", message)
}
