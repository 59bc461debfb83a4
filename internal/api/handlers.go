package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"mediabeam/internal/extractor"
	"mediabeam/internal/pipeline"
	"mediabeam/internal/task"
)

type cancelRequest struct {
	RequesterID string `json:"requester_id"`
}

type formatsRequest struct {
	URL string `json:"url"`
}

type formatsResponse struct {
	Title   string                   `json:"title"`
	Formats []extractor.FormatOption `json:"formats"`
}

type API struct {
	pipe *pipeline.Pipeline
}

func NewAPI(pipe *pipeline.Pipeline) *API {
	return &API{pipe: pipe}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/download", a.Download)
		api.GET("/progress", a.Progress)
		api.POST("/cancel", a.Cancel)
		api.POST("/formats", a.Formats)
	}
	router.GET("/health", a.Health)
}

// Download queues a new request; the response returns before acquisition
// starts.
func (a *API) Download(c *gin.Context) {
	var req task.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid download request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := a.pipe.Submit(req)
	switch {
	case err == nil:
		log.Info().Str("requester", req.RequesterID).Str("url", req.URL).Msg("download queued")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case errors.Is(err, task.ErrTaskActive):
		log.Warn().Str("requester", req.RequesterID).Msg("rejecting download: task already active")
		c.JSON(http.StatusConflict, gin.H{"error": "a download is already in progress"})
	case errors.Is(err, pipeline.ErrBanned):
		log.Warn().Str("requester", req.RequesterID).Msg("rejecting download: requester banned")
		c.JSON(http.StatusForbidden, gin.H{"error": "requester is banned"})
	default:
		log.Warn().Str("requester", req.RequesterID).Err(err).Msg("rejecting download")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// Progress returns the requester's latest snapshot, the idle default when
// nothing is in flight.
func (a *API) Progress(c *gin.Context) {
	id := c.Query("requester_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing requester_id"})
		return
	}
	c.JSON(http.StatusOK, a.pipe.Progress(id))
}

// Cancel stops the requester's task. A missing task is a not-found outcome,
// reported as JSON rather than an error page.
func (a *API) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RequesterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing requester_id"})
		return
	}
	if !a.pipe.Cancel(req.RequesterID) {
		log.Info().Str("requester", req.RequesterID).Msg("cancel with no active task")
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		return
	}
	log.Info().Str("requester", req.RequesterID).Msg("task cancelled")
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Formats lists selectable qualities for a URL. An empty list tells the
// client to skip quality selection.
func (a *API) Formats(c *gin.Context) {
	var req formatsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing url"})
		return
	}
	opts, title, err := a.pipe.Formats(c.Request.Context(), req.URL)
	if err != nil {
		log.Warn().Str("url", req.URL).Err(err).Msg("format probe failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if opts == nil {
		opts = []extractor.FormatOption{}
	}
	c.JSON(http.StatusOK, formatsResponse{Title: title, Formats: opts})
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
