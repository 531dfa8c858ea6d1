// Package metadata exposes the call-metadata endpoints.
package metadata

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/voxline/calldata-service/internal/model"
	registryroute "github.com/voxline/calldata-service/internal/registry/route"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/timeband"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts metadata routes on the engine. Called after store
// initialization so the store handle is available.
func MountRoutes(r *gin.Engine, store registrystore.CallStore, zone *timeband.Zone) {
	r.POST("/add-call-metadata", func(c *gin.Context) {
		addMetadata(c, store)
	})
	r.GET("/get-call-metadata", func(c *gin.Context) {
		getMetadata(c, store, zone)
	})
	r.GET("/get-latest-call-metadata", func(c *gin.Context) {
		getLatestMetadata(c, store)
	})
	r.DELETE("/delete-call-metadata", func(c *gin.Context) {
		deleteMetadata(c, store, zone)
	})
}

type addMetadataRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	WorkflowID string `json:"workflow_id" binding:"required"`
	CallID     string `json:"call_id" binding:"required"`
	Metadata   any    `json:"metadata"`
}

func addMetadata(c *gin.Context, store registrystore.CallStore) {
	var req addMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := model.MergeMode(c.DefaultQuery("mode", string(model.MergeModeMerge)))
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be merge or replace"})
		return
	}

	created, err := store.AddMetadata(c.Request.Context(), req.UserID, req.WorkflowID, req.CallID, req.Metadata, mode)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     req.UserID,
		"workflow_id": req.WorkflowID,
		"call_id":     req.CallID,
		"created":     created,
	})
}

func getMetadata(c *gin.Context, store registrystore.CallStore, zone *timeband.Zone) {
	q, ok := bindQuery(c, zone)
	if !ok {
		return
	}
	calls, err := store.GetMetadata(c.Request.Context(), q)
	if err != nil {
		handleError(c, err)
		return
	}

	switch {
	case q.CallID != "":
		c.JSON(http.StatusOK, calls[0])
	case q.WorkflowID != "":
		c.JSON(http.StatusOK, gin.H{
			"user_id":     q.UserID,
			"workflow_id": q.WorkflowID,
			"calls":       workflowCalls(calls),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"user_id":   q.UserID,
			"workflows": groupByWorkflow(calls),
		})
	}
}

func getLatestMetadata(c *gin.Context, store registrystore.CallStore) {
	userID := c.Query("user_id")
	workflowID := c.Query("workflow_id")
	if userID == "" || workflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and workflow_id are required"})
		return
	}
	call, err := store.GetLatestMetadata(c.Request.Context(), userID, workflowID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func deleteMetadata(c *gin.Context, store registrystore.CallStore, zone *timeband.Zone) {
	q, ok := bindQuery(c, zone)
	if !ok {
		return
	}
	res, err := store.DeleteMetadata(c.Request.Context(), q)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// callEntry is the per-call payload inside workflow/user groupings.
type callEntry struct {
	CallID    string `json:"call_id"`
	Metadata  any    `json:"metadata"`
	CreatedAt any    `json:"created_at"`
	UpdatedAt any    `json:"updated_at"`
}

func workflowCalls(calls []registrystore.CallMetadata) []callEntry {
	out := make([]callEntry, 0, len(calls))
	for _, call := range calls {
		out = append(out, callEntry{
			CallID:    call.CallID,
			Metadata:  call.Metadata,
			CreatedAt: call.CreatedAt,
			UpdatedAt: call.UpdatedAt,
		})
	}
	return out
}

type workflowEntry struct {
	WorkflowID string      `json:"workflow_id"`
	Calls      []callEntry `json:"calls"`
}

// groupByWorkflow buckets calls by workflow, preserving first-seen order.
func groupByWorkflow(calls []registrystore.CallMetadata) []workflowEntry {
	index := map[string]int{}
	var out []workflowEntry
	for _, call := range calls {
		i, seen := index[call.WorkflowID]
		if !seen {
			i = len(out)
			index[call.WorkflowID] = i
			out = append(out, workflowEntry{WorkflowID: call.WorkflowID})
		}
		out[i].Calls = append(out[i].Calls, callEntry{
			CallID:    call.CallID,
			Metadata:  call.Metadata,
			CreatedAt: call.CreatedAt,
			UpdatedAt: call.UpdatedAt,
		})
	}
	if out == nil {
		out = []workflowEntry{}
	}
	return out
}

// bindQuery validates the identity and range parameters shared by the get and
// delete endpoints. On failure it writes a 400 response and returns ok=false.
func bindQuery(c *gin.Context, zone *timeband.Zone) (registrystore.Query, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return registrystore.Query{}, false
	}
	window, err := zone.NewRange(c.Query("start"), c.Query("end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return registrystore.Query{}, false
	}
	return registrystore.Query{
		UserID:     userID,
		WorkflowID: c.Query("workflow_id"),
		CallID:     c.Query("call_id"),
		Window:     window,
	}, true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	default:
		log.Error("Metadata request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"err", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
