// Package conversation exposes the call-transcript endpoints.
package conversation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/voxline/calldata-service/internal/model"
	registryroute "github.com/voxline/calldata-service/internal/registry/route"
	registrystore "github.com/voxline/calldata-service/internal/registry/store"
	"github.com/voxline/calldata-service/internal/timeband"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 200,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation routes on the engine. Called after store
// initialization so the store handle is available.
func MountRoutes(r *gin.Engine, store registrystore.CallStore, zone *timeband.Zone) {
	r.POST("/add-call-conversation", func(c *gin.Context) {
		addConversation(c, store)
	})
	r.GET("/get-call-conversation", func(c *gin.Context) {
		getConversation(c, store, zone)
	})
	r.GET("/get-latest-call-conversation", func(c *gin.Context) {
		getLatestConversation(c, store, zone)
	})
	r.DELETE("/delete-call-conversation", func(c *gin.Context) {
		deleteConversation(c, store, zone)
	})
}

type addConversationRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	WorkflowID string `json:"workflow_id" binding:"required"`
	CallID     string `json:"call_id" binding:"required"`
	Messages   any    `json:"messages"`
}

func addConversation(c *gin.Context, store registrystore.CallStore) {
	var req addConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgs := model.NormalizeMessages(req.Messages)

	appended, created, err := store.AddConversation(c.Request.Context(), req.UserID, req.WorkflowID, req.CallID, msgs)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appended": appended, "created": created})
}

func getConversation(c *gin.Context, store registrystore.CallStore, zone *timeband.Zone) {
	q, ok := bindQuery(c, zone)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	calls, err := store.GetConversation(c.Request.Context(), q, limit)
	if err != nil {
		handleError(c, err)
		return
	}

	switch {
	case q.CallID != "":
		c.JSON(http.StatusOK, singleCall(&calls[0], zone))
	case q.WorkflowID != "":
		c.JSON(http.StatusOK, gin.H{
			"user_id":     q.UserID,
			"workflow_id": q.WorkflowID,
			"calls":       workflowCalls(calls, zone),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"user_id":   q.UserID,
			"workflows": groupByWorkflow(calls, zone),
		})
	}
}

func getLatestConversation(c *gin.Context, store registrystore.CallStore, zone *timeband.Zone) {
	userID := c.Query("user_id")
	workflowID := c.Query("workflow_id")
	if userID == "" || workflowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and workflow_id are required"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	call, err := store.GetLatestConversation(c.Request.Context(), userID, workflowID, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, singleCall(call, zone))
}

func deleteConversation(c *gin.Context, store registrystore.CallStore, zone *timeband.Zone) {
	q, ok := bindQuery(c, zone)
	if !ok {
		return
	}
	res, err := store.DeleteConversation(c.Request.Context(), q)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func singleCall(call *registrystore.CallConversation, zone *timeband.Zone) gin.H {
	return gin.H{
		"user_id":            call.UserID,
		"workflow_id":        call.WorkflowID,
		"call_id":            call.CallID,
		"messages":           call.Messages,
		"created_at":         call.CreatedAt,
		"updated_at":         call.UpdatedAt,
		"created_at_display": zone.Display(call.CreatedAt),
		"updated_at_display": zone.Display(call.UpdatedAt),
	}
}

// callEntry is the per-call payload inside workflow/user groupings.
type callEntry struct {
	CallID           string          `json:"call_id"`
	Messages         []model.Message `json:"messages"`
	CreatedAt        any             `json:"created_at"`
	UpdatedAt        any             `json:"updated_at"`
	CreatedAtDisplay string          `json:"created_at_display"`
	UpdatedAtDisplay string          `json:"updated_at_display"`
}

func toEntry(call *registrystore.CallConversation, zone *timeband.Zone) callEntry {
	return callEntry{
		CallID:           call.CallID,
		Messages:         call.Messages,
		CreatedAt:        call.CreatedAt,
		UpdatedAt:        call.UpdatedAt,
		CreatedAtDisplay: zone.Display(call.CreatedAt),
		UpdatedAtDisplay: zone.Display(call.UpdatedAt),
	}
}

func workflowCalls(calls []registrystore.CallConversation, zone *timeband.Zone) []callEntry {
	out := make([]callEntry, 0, len(calls))
	for i := range calls {
		out = append(out, toEntry(&calls[i], zone))
	}
	return out
}

type workflowEntry struct {
	WorkflowID string      `json:"workflow_id"`
	Calls      []callEntry `json:"calls"`
}

// groupByWorkflow buckets calls by workflow, preserving first-seen order.
func groupByWorkflow(calls []registrystore.CallConversation, zone *timeband.Zone) []workflowEntry {
	index := map[string]int{}
	var out []workflowEntry
	for i := range calls {
		call := &calls[i]
		j, seen := index[call.WorkflowID]
		if !seen {
			j = len(out)
			index[call.WorkflowID] = j
			out = append(out, workflowEntry{WorkflowID: call.WorkflowID})
		}
		out[j].Calls = append(out[j].Calls, toEntry(call, zone))
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

// queryLimit parses an optional positive limit parameter. Returns ok=false
// after writing a 400 response when the value is present but unusable.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return limit, true
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
		log.Error("Conversation request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"err", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
