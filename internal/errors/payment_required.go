package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithPaymentRequired sends a 402 Payment Required response and aborts the request.
// Used when a credit pre-charge fails; no partial work is performed.
func AbortWithPaymentRequired(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, NewAPIError(message, details))
}
