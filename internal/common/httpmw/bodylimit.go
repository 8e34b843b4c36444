package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxBodyBytes is the request body cap applied to every route.
const MaxBodyBytes = 1 << 20 // 1 MiB

// BodyLimit caps the request body at limit bytes. The cap is enforced while
// the body is read, so it covers declared Content-Length and chunked
// transfer encoding alike. Handlers observe an *http.MaxBytesError when a
// client exceeds the cap.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
