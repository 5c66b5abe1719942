package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/anonrelay/internal/models"
	"github.com/zulandar/anonrelay/internal/relay"
)

// defaultMessageLimit caps /messages when no limit is given.
const defaultMessageLimit = 100

// DialogView is the public shape of a dialog. The end user's platform
// identity is never exposed.
type DialogView struct {
	ID           uint      `json:"id"`
	Tag          string    `json:"tag,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// MessageView is the public shape of a logged message.
type MessageView struct {
	ID        uint      `json:"id"`
	FromAdmin bool      `json:"from_admin"`
	Text      string    `json:"text,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// registerRoutes sets up all operator routes on the Gin router.
func registerRoutes(router *gin.Engine, store *relay.DialogStore, metrics *relay.Metrics) {
	router.GET("/healthz", handleHealth())
	if reg := metrics.Registry(); reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.GET("/dialogs", handleDialogList(store))
	api.GET("/dialogs/:id/messages", handleDialogMessages(store))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleDialogList(store *relay.DialogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		dialogs, err := store.ListActiveDialogs(c.Request.Context())
		if err != nil {
			log.Printf("server: list dialogs: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		views := make([]DialogView, len(dialogs))
		for i, d := range dialogs {
			views[i] = dialogView(d)
		}
		c.JSON(http.StatusOK, gin.H{"dialogs": views})
	}
}

func handleDialogMessages(store *relay.DialogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dialog id"})
			return
		}
		limit := defaultMessageLimit
		if raw := c.Query("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
		}

		ctx := c.Request.Context()
		dialog, err := store.GetDialog(ctx, uint(id))
		if errors.Is(err, relay.ErrDialogNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dialog not found"})
			return
		}
		if err != nil {
			log.Printf("server: get dialog %d: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		msgs, err := store.ListMessages(ctx, dialog.ID, limit)
		if err != nil {
			log.Printf("server: list messages %d: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		views := make([]MessageView, len(msgs))
		for i, m := range msgs {
			views[i] = MessageView{
				ID:        m.ID,
				FromAdmin: m.FromAdmin,
				Text:      m.Text,
				MediaType: m.MediaType,
				SentAt:    m.SentAt,
			}
		}
		c.JSON(http.StatusOK, gin.H{"dialog": dialogView(*dialog), "messages": views})
	}
}

func dialogView(d models.Dialog) DialogView {
	return DialogView{
		ID:           d.ID,
		Tag:          d.Tag(),
		CreatedAt:    d.CreatedAt,
		LastActivity: d.LastActivity,
		Active:       d.IsActive,
	}
}
