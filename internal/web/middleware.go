package web

import (
	"github.com/gin-gonic/gin"

	"github.com/pguigue/mergin/internal/mergin"
)

const actorKey = "actor"

// actorMiddleware resolves the acting user from request headers into a
// request-scoped Actor. Authentication itself is an external collaborator; a
// real deployment replaces this middleware with one backed by its identity
// provider. Requests without an X-User-Id header proceed as anonymous, which
// only public reads accept.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(actorKey, mergin.Actor{
			ID:    c.GetHeader("X-User-Id"),
			Name:  c.GetHeader("X-User"),
			Admin: c.GetHeader("X-Admin") == "true",
		})
		c.Next()
	}
}

// actor returns the Actor resolved for this request.
func actor(c *gin.Context) mergin.Actor {
	return c.MustGet(actorKey).(mergin.Actor)
}
