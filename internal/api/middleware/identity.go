package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/scripthost/internal/environment"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// Identity headers. An authenticating proxy in front of the host is expected
// to set them; the host trusts them as given.
const (
	HeaderUser             = "X-User"
	HeaderPermission       = "X-Permission"
	HeaderNamedPermissions = "X-Named-Permissions"
	HeaderLastModified     = "X-Javascript-Last-Modified"
)

// AnonymousUser is the user of requests that carry no identity.
const AnonymousUser = "anonymous"

const callerKey = "scripthost.caller"

// Caller is who a request acts for.
type Caller struct {
	User             string
	Permission       environment.Permission
	NamedPermissions []string
}

// Anonymous reports whether the request carried no user.
func (c Caller) Anonymous() bool { return c.User == AnonymousUser }

// Identify reads the caller from identity headers. Requests without a user
// act as AnonymousUser with no permission. Malformed headers are rejected.
func Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := Caller{User: AnonymousUser, Permission: environment.None}

		if user := strings.TrimSpace(c.GetHeader(HeaderUser)); user != "" {
			if err := utils.ValidateUser(user); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			caller.User = user

			if raw := strings.TrimSpace(c.GetHeader(HeaderPermission)); raw != "" {
				perm, ok := environment.ParsePermission(raw)
				if !ok {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown permission " + raw})
					return
				}
				caller.Permission = perm
			}
			for _, name := range strings.Split(c.GetHeader(HeaderNamedPermissions), ",") {
				if name = strings.TrimSpace(name); name != "" {
					caller.NamedPermissions = append(caller.NamedPermissions, name)
				}
			}
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller Identify stored on the context.
func CallerFrom(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

// RequirePermission aborts with 401 unless the caller holds at least min.
func RequirePermission(min environment.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok || caller.Permission < min {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "permission denied"})
			return
		}
		c.Next()
	}
}
