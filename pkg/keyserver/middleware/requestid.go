package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID is the header carrying the request ID
const HeaderRequestID = "X-Request-ID"

// ContextKeyRequestID is the gin context key for the request ID
const ContextKeyRequestID = "request_id"

// RequestID assigns a unique UUID v7 to each request. If the client
// already provides an X-Request-ID header, that value is used instead.
// The ID is set on both the response header and the gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		c.Header(HeaderRequestID, id)
		c.Set(ContextKeyRequestID, id)
		c.Next()
	}
}

// GetRequestID extracts the request ID from the gin context. Returns an
// empty string if no request ID is present.
func GetRequestID(c *gin.Context) string {
	if id, ok := c.Get(ContextKeyRequestID); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
