package web

import (
	"github.com/gin-gonic/gin"

	"github.com/pguigue/mergin/internal/mergin"
)

// NewRouter builds the gin engine serving the sync protocol under /v1.
func NewRouter(svc *mergin.Service, logger mergin.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), actorMiddleware())

	h := NewHandler(svc, logger)

	v1 := router.Group("/v1")
	{
		v1.GET("/projects/:namespace", h.listProjects)

		project := v1.Group("/project")
		{
			project.GET("/:namespace/:name", h.getProject)
			project.POST("/:namespace/:name", h.createProject)
			project.PUT("/:namespace/:name", h.updateProject)
			project.DELETE("/:namespace/:name", h.deleteProject)

			project.POST("/restore/:namespace/:name", h.restoreProject)
			project.DELETE("/purge/:namespace/:name", h.purgeProject)

			project.GET("/versions/:namespace/:name", h.listVersions)
			project.GET("/version/:id/:version", h.getVersion)

			project.POST("/push/:namespace/:name", h.startPush)
			project.POST("/push/chunk/:transaction/:chunk", h.uploadChunk)
			project.POST("/push/finish/:transaction", h.finishPush)
			project.POST("/push/cancel/:transaction", h.cancelPush)

			project.GET("/download/:namespace/:name", h.downloadProject)
			project.GET("/raw/:namespace/:name", h.downloadFile)

			project.POST("/access-request/:namespace/:name", h.requestAccess)
		}

		v1.POST("/access-request/:id/accept", h.acceptAccessRequest)
		v1.DELETE("/access-request/:id", h.cancelAccessRequest)
		v1.GET("/access-requests/:namespace", h.listAccessRequests)
	}

	return router
}
