package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/datesky/datesky-indexer/internal/profiles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingProfileStore = errors.New("profile store dependency required")

// Dependencies carries the collaborators for the read-only API.
type Dependencies struct {
	Profiles *profiles.Store
	// Updates is optional; without it the live updates feed is not exposed.
	Updates *UpdateDispatcher
	Logger  *zap.Logger
}

// NewHTTPHandler builds the read API over the materialized view. Every route
// only ever observes committed store state.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Profiles == nil {
		return nil, errMissingProfileStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		profiles: deps.Profiles,
		updates:  deps.Updates,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/api/browse", handler.handleBrowse)
	router.GET("/api/profiles/:did", handler.handleProfile)
	router.GET("/api/stats", handler.handleStats)
	if deps.Updates != nil {
		router.GET("/api/updates", handler.handleUpdates)
	}

	return router, nil
}

type httpHandler struct {
	profiles *profiles.Store
	updates  *UpdateDispatcher
	logger   *zap.Logger
}

type profilePayload struct {
	DID         string          `json:"did"`
	Handle      *string         `json:"handle"`
	DisplayName *string         `json:"display_name"`
	Bio         *string         `json:"bio"`
	Location    *string         `json:"location"`
	Gender      *string         `json:"gender"`
	Pronouns    *string         `json:"pronouns"`
	Age         *int            `json:"age"`
	Photos      json.RawMessage `json:"photos,omitempty"`
	CreatedAt   *string         `json:"created_at"`
	IndexedAt   time.Time       `json:"indexed_at"`
	Tags        []string        `json:"tags"`
	Intentions  []string        `json:"intentions"`
}

type browseResponsePayload struct {
	Profiles []profilePayload `json:"profiles"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleBrowse(c *gin.Context) {
	query := profiles.BrowseQuery{
		Tag:       c.Query("tag"),
		Location:  c.Query("location"),
		Intention: c.Query("intention"),
	}
	if page := c.Query("page"); page != "" {
		parsed, err := strconv.Atoi(page)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return
		}
		query.Page = parsed
	}
	if limit := c.Query("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		query.Limit = parsed
	}

	result, err := h.profiles.Browse(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("browse query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "browse_failed"})
		return
	}

	response := browseResponsePayload{
		Profiles: make([]profilePayload, 0, len(result.Profiles)),
		Total:    result.Total,
		Page:     result.Page,
		Limit:    result.Limit,
	}
	for _, row := range result.Profiles {
		response.Profiles = append(response.Profiles, toProfilePayload(row))
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	did := c.Param("did")

	row, found, err := h.profiles.Get(c.Request.Context(), did)
	if err != nil {
		h.logger.Error("profile lookup failed", zap.String("did", did), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	c.JSON(http.StatusOK, toProfilePayload(row))
}

func (h *httpHandler) handleStats(c *gin.Context) {
	total, err := h.profiles.Count(c.Request.Context())
	if err != nil {
		h.logger.Error("stats query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}

	payload := gin.H{"profiles": total}
	if h.updates != nil {
		payload["subscribers"] = h.updates.SubscriberCount()
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleUpdates(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	stream, cleanup := h.updates.Subscribe()
	defer cleanup()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case message := <-stream:
			data, err := json.Marshal(gin.H{
				"did":       message.DID,
				"operation": message.Operation,
				"timestamp": message.Timestamp.UTC().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", UpdateEventProfileChanged, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", updateEventHeartbeat)
			flusher.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func toProfilePayload(row profiles.Profile) profilePayload {
	payload := profilePayload{
		DID:         row.DID,
		Handle:      row.Handle,
		DisplayName: row.DisplayName,
		Bio:         row.Bio,
		Location:    row.Location,
		Gender:      row.Gender,
		Pronouns:    row.Pronouns,
		Age:         row.Age,
		CreatedAt:   row.CreatedAt,
		IndexedAt:   row.IndexedAt,
		Tags:        make([]string, 0, len(row.Tags)),
		Intentions:  make([]string, 0, len(row.Intentions)),
	}
	if len(row.Photos) > 0 {
		payload.Photos = json.RawMessage(row.Photos)
	}
	for _, tag := range row.Tags {
		payload.Tags = append(payload.Tags, tag.Tag)
	}
	for _, intention := range row.Intentions {
		payload.Intentions = append(payload.Intentions, intention.Intention)
	}
	return payload
}
