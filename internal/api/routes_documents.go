package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/coedit/internal/handlers"
)

func registerDocumentRoutes(api *gin.RouterGroup, deps Dependencies) {
	documentHandler := handlers.NewDocumentHandler(deps.Documents, deps.Presence)
	collaboratorHandler := handlers.NewCollaboratorHandler(deps.Collaborators)

	documents := api.Group("/documents")
	{
		documents.GET("/shared/:token", documentHandler.GetShared)
		documents.GET("/:id", documentHandler.Get)
		documents.PATCH("/:id", documentHandler.Update)
		documents.POST("/:id/share-link", documentHandler.GenerateShareLink)
		documents.GET("/:id/presence", documentHandler.Presence)
		documents.GET("/:id/audit", documentHandler.AuditTrail)

		documents.GET("/:id/collaborators", collaboratorHandler.List)
		documents.POST("/:id/collaborators", collaboratorHandler.Add)
		documents.PATCH("/:id/collaborators/:userID", collaboratorHandler.UpdatePermission)
		documents.DELETE("/:id/collaborators/:userID", collaboratorHandler.Remove)
	}
}
