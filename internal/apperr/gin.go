package apperr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Detailer is implemented by errors that carry structured context for the
// client, such as the current and requested escrow states.
type Detailer interface {
	Details() map[string]any
}

// Respond writes err as {"error": code, "message": text} with the status
// Classify assigns. Internal errors are logged and their text withheld.
func Respond(c *gin.Context, logger *slog.Logger, err error) {
	cl := Classify(err)
	if cl.Status == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed", "path", c.FullPath(), "error", err)
		}
		c.JSON(cl.Status, gin.H{"error": cl.Code, "message": "internal error"})
		return
	}

	body := gin.H{"error": cl.Code, "message": err.Error()}
	var d Detailer
	if errors.As(err, &d) {
		for k, v := range d.Details() {
			body[k] = v
		}
	}
	c.JSON(cl.Status, body)
}

// BadRequest writes a 400 with the given code and message.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
