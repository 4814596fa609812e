package httpapi

import (
	"net/http"
	"time"

	"runbox/internal/exec/execresult"
	"runbox/internal/exec/service"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamChunkBacklog = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFrame is one websocket message sent to the client.
type streamFrame struct {
	Stream string                      `json:"stream,omitempty"`
	Data   string                      `json:"data,omitempty"`
	Result *execresult.ExecutionResult `json:"result,omitempty"`
	Error  *streamError                `json:"error,omitempty"`
}

type streamError struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// StreamExecution upgrades to a websocket, reads one execution request frame,
// streams output chunks as the workload produces them, and finishes with a
// result (or error) frame.
func (h *Handler) StreamExecution(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()

	var req service.ExecRequest
	if err := conn.ReadJSON(&req); err != nil {
		writeFrame(conn, frameFromError(appErr.ValidationError("request", err.Error())))
		return
	}

	// A single writer goroutine serializes chunk and terminal frames; the
	// pump observer runs on the collector goroutines.
	frames := make(chan streamFrame, streamChunkBacklog)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range frames {
			writeFrame(conn, frame)
		}
	}()

	obs := func(stream string, chunk []byte) {
		select {
		case frames <- streamFrame{Stream: stream, Data: string(chunk)}:
		default:
			// Slow consumer: drop the live chunk, the capped capture in the
			// final result still holds the prefix.
		}
	}

	res, execErr := h.exec.ExecuteStream(ctx, req, obs)
	if execErr != nil {
		frames <- frameFromError(execErr)
	} else {
		frames <- streamFrame{Result: &res}
	}
	close(frames)
	<-writerDone

	logger.Debug(ctx, "stream execution finished",
		zap.String("language", req.LanguageID),
		zap.Bool("failed", execErr != nil))
}

func frameFromError(err error) streamFrame {
	custom := appErr.GetError(err)
	return streamFrame{Error: &streamError{Code: custom.Code, Message: custom.Error()}}
}

func writeFrame(conn *websocket.Conn, frame streamFrame) {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	_ = conn.WriteJSON(frame)
}
