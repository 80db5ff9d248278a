package response

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeEmptyMessage       = 40001
	CodeAttachmentTooLarge = 40002
	CodeUnauthorized       = 40100
	CodeSessionNotFound    = 40401
	CodeMessageNotFound    = 40402
	CodeNothingToRetry     = 40403
	CodeStreamInProgress   = 40901
	CodeInternalServer     = 50000
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

// BeginStream switches the response to text/event-stream. It returns false
// when the writer cannot flush.
func BeginStream(c *gin.Context) (http.Flusher, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	return flusher, true
}

// Event writes one named SSE event with a JSON data line.
func Event(c *gin.Context, name string, payload interface{}) error {
	data, err := sonic.MarshalString(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload failed: %w", err)
	}
	_, err = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, data)
	return err
}
