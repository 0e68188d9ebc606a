package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pguigue/mergin/internal/mergin"
)

// Handler serves the sync protocol over HTTP. It is a thin layer: parsing
// and status mapping live here, all semantics live in the service.
type Handler struct {
	svc    *mergin.Service
	logger mergin.Logger
}

// NewHandler creates an HTTP handler backed by the given service.
func NewHandler(svc *mergin.Service, logger mergin.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func pageParams(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 50
	}
	return page, perPage
}

// Project endpoints

func (h *Handler) getProject(c *gin.Context) {
	detail, err := h.svc.GetProjectDetail(actor(c), c.Param("namespace"), c.Param("name"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) createProject(c *gin.Context) {
	var body struct {
		Public bool `json:"public"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.abortWithError(c, fmt.Errorf("%w: %v", mergin.ErrInvalid, err))
			return
		}
	}
	detail, err := h.svc.CreateProject(actor(c), c.Param("namespace"), c.Param("name"), body.Public)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func (h *Handler) updateProject(c *gin.Context) {
	var settings mergin.ProjectSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		h.abortWithError(c, fmt.Errorf("%w: %v", mergin.ErrInvalid, err))
		return
	}
	if err := h.svc.UpdateProjectSettings(actor(c), c.Param("namespace"), c.Param("name"), settings); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProject(c *gin.Context) {
	if err := h.svc.DeleteProject(actor(c), c.Param("namespace"), c.Param("name")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) restoreProject(c *gin.Context) {
	if err := h.svc.RestoreProject(actor(c), c.Param("namespace"), c.Param("name")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) purgeProject(c *gin.Context) {
	if err := h.svc.PurgeProject(actor(c), c.Param("namespace"), c.Param("name")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listProjects(c *gin.Context) {
	page, perPage := pageParams(c)
	projects, err := h.svc.ListProjects(actor(c), c.Param("namespace"), page, perPage)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if projects == nil {
		projects = []*mergin.ProjectDetail{}
	}
	c.JSON(http.StatusOK, projects)
}

// Version endpoints

func (h *Handler) listVersions(c *gin.Context) {
	page, perPage := pageParams(c)
	desc := c.Query("desc") == "true"
	versions, err := h.svc.ListVersions(actor(c), c.Param("namespace"), c.Param("name"), page, perPage, desc)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if versions == nil {
		versions = []*mergin.Version{}
	}
	c.JSON(http.StatusOK, versions)
}

func (h *Handler) getVersion(c *gin.Context) {
	version, err := h.svc.GetVersion(actor(c), c.Param("id"), c.Param("version"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

// Push endpoints

func (h *Handler) startPush(c *gin.Context) {
	var body struct {
		Version string          `json:"version"`
		Changes mergin.Manifest `json:"changes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abortWithError(c, fmt.Errorf("%w: %v", mergin.ErrInvalid, err))
		return
	}
	result, err := h.svc.StartPush(actor(c), c.Param("namespace"), c.Param("name"),
		body.Version, body.Changes, c.Request.UserAgent())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) uploadChunk(c *gin.Context) {
	err := h.svc.UploadChunk(actor(c), c.Param("transaction"), c.Param("chunk"), c.Request.Body)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) finishPush(c *gin.Context) {
	detail, err := h.svc.FinishPush(actor(c), c.Param("transaction"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) cancelPush(c *gin.Context) {
	if err := h.svc.CancelPush(actor(c), c.Param("transaction")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Download endpoints

func (h *Handler) downloadProject(c *gin.Context) {
	namespace, name := c.Param("namespace"), c.Param("name")
	version := c.Query("version")

	// Zip is the only archive format served.
	if format := c.Query("format"); format != "" && format != "zip" {
		h.abortWithError(c, fmt.Errorf("%w: unsupported format %q", mergin.ErrInvalid, format))
		return
	}

	filename := name + ".zip"
	if version != "" {
		filename = name + "-" + version + ".zip"
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)

	// The archive streams straight into the response, so errors past the
	// first byte can only truncate the download.
	if err := h.svc.WriteZip(actor(c), namespace, name, version, c.Writer); err != nil {
		if !c.Writer.Written() {
			h.abortWithError(c, err)
			return
		}
		h.logger.Error("zip download aborted", "project", namespace+"/"+name, "error", err)
	}
}

func (h *Handler) downloadFile(c *gin.Context) {
	path := c.Query("file")
	if path == "" {
		h.abortWithError(c, fmt.Errorf("%w: missing file parameter", mergin.ErrInvalid))
		return
	}
	blob, entry, err := h.svc.OpenFile(actor(c), c.Param("namespace"), c.Param("name"), c.Query("version"), path)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	defer blob.Close()
	c.DataFromReader(http.StatusOK, entry.Size, "application/octet-stream", blob, nil)
}

// Access request endpoints

func (h *Handler) requestAccess(c *gin.Context) {
	request, err := h.svc.RequestAccess(actor(c), c.Param("namespace"), c.Param("name"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

func requestID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid request id %q", mergin.ErrInvalid, c.Param("id"))
	}
	return id, nil
}

func (h *Handler) acceptAccessRequest(c *gin.Context) {
	id, err := requestID(c)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	var body struct {
		Role mergin.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abortWithError(c, fmt.Errorf("%w: %v", mergin.ErrInvalid, err))
		return
	}
	if err := h.svc.AcceptAccessRequest(actor(c), id, body.Role); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelAccessRequest(c *gin.Context) {
	id, err := requestID(c)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if err := h.svc.CancelAccessRequest(actor(c), id); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listAccessRequests(c *gin.Context) {
	requests, err := h.svc.ListIncomingAccessRequests(actor(c), c.Param("namespace"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if requests == nil {
		requests = []*mergin.AccessRequest{}
	}
	c.JSON(http.StatusOK, requests)
}
