package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/pangolin-social/pangolin/activitypub"
	"github.com/pangolin-social/pangolin/domain"
	"github.com/pangolin-social/pangolin/store"
	"github.com/pangolin-social/pangolin/util"
)

const outboxPageSize = 20

const activityJSONType = "application/activity+json; charset=utf-8"

// orderedCollectionPage is one page of an actor's outbox.
type orderedCollectionPage struct {
	Context      string            `json:"@context"`
	Type         string            `json:"type"`
	TotalItems   int               `json:"totalItems"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
	Next         string            `json:"next,omitempty"`
	Prev         string            `json:"prev,omitempty"`
}

// orderedCollection is a complete collection (followers).
type orderedCollection struct {
	Context      string   `json:"@context"`
	Type         string   `json:"type"`
	TotalItems   int      `json:"totalItems"`
	OrderedItems []string `json:"orderedItems"`
}

// NewRouter wires the HTTP surface: actor documents, webfinger, the
// signature-gated inbox, outbox paging and publishing, and the RSS feed.
func NewRouter(conf *util.AppConfig, st *store.Store, disp *activitypub.Dispatcher) *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	g.POST("/users", func(c *gin.Context) {
		var req struct {
			Username    string `json:"username"`
			DisplayName string `json:"displayName"`
			Summary     string `json:"summary"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid account request"})
			return
		}

		acc, err := st.CreateAccount(util.NormalizeInput(req.Username), req.DisplayName, req.Summary)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Could not create account"})
			return
		}

		c.JSON(http.StatusCreated, actorDocument(acc, conf.Conf.Domain))
	})

	g.GET("/users/:username", func(c *gin.Context) {
		acc, err := st.ReadAccByUsername(c.Param("username"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}

		c.Header("Content-Type", activityJSONType)
		c.JSON(http.StatusOK, actorDocument(acc, conf.Conf.Domain))
	})

	g.GET("/users/:username/followers", func(c *gin.Context) {
		acc, err := st.ReadAccByUsername(c.Param("username"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}

		followers, err := st.ReadFollowers(acc.Id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.Header("Content-Type", activityJSONType)
		c.JSON(http.StatusOK, orderedCollection{
			Context:      "https://www.w3.org/ns/activitystreams",
			Type:         "OrderedCollection",
			TotalItems:   len(followers),
			OrderedItems: followers,
		})
	})

	g.POST("/users/:username/inbox", func(c *gin.Context) {
		handleInbox(c, conf, st, disp)
	})

	g.GET("/users/:username/outbox", func(c *gin.Context) {
		handleOutboxPage(c, conf, st)
	})

	g.POST("/users/:username/outbox", func(c *gin.Context) {
		acc, err := st.ReadAccByUsername(c.Param("username"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}

		var req struct {
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing note content"})
			return
		}

		create, err := disp.PublishNote(acc, req.Content)
		if err != nil {
			log.Error("Failed to publish note", "account", acc.Username, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.Header("Content-Type", activityJSONType)
		c.JSON(http.StatusCreated, create)
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid resource query"})
			return
		}

		resource = strings.TrimPrefix(resource, "acct:")
		resource = strings.TrimSuffix(resource, "@"+conf.Conf.Domain)

		acc, err := st.ReadAccByUsername(resource)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}

		c.JSON(http.StatusOK, webfingerDocument(acc, conf.Conf.Domain))
	})

	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")

		rss, err := GetRSS(conf, st, c.Query("username"))
		if err != nil {
			c.String(http.StatusNotFound, "")
		} else {
			c.String(http.StatusOK, rss)
		}
	})

	return g
}

// handleInbox is the federation entry point: verify the signature, then
// hand the activity to the dispatcher.
func handleInbox(c *gin.Context, conf *util.AppConfig, st *store.Store, disp *activitypub.Dispatcher) {
	acc, err := st.ReadAccByUsername(c.Param("username"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	activity, err := domain.ParseActivity(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid activity"})
		return
	}

	if !disp.VerifySignature(c.Request, body, activity.Actor) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	if err := disp.Dispatch(acc, body); err != nil {
		if errors.Is(err, activitypub.ErrUnsupportedType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported activity type"})
			return
		}
		log.Error("Failed to process activity", "type", activity.Type, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.Status(http.StatusAccepted)
}

func handleOutboxPage(c *gin.Context, conf *util.AppConfig, st *store.Store) {
	acc, err := st.ReadAccByUsername(c.Param("username"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	total, err := st.CountActivities(acc.Id, store.DirectionOut)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	items, err := st.ReadActivities(acc.Id, store.DirectionOut, outboxPageSize, (page-1)*outboxPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	ordered := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		ordered = append(ordered, json.RawMessage(item))
	}

	outboxURI := activitypub.ActorURI(conf.Conf.Domain, acc.Username) + "/outbox"
	resp := orderedCollectionPage{
		Context:      "https://www.w3.org/ns/activitystreams",
		Type:         "OrderedCollectionPage",
		TotalItems:   total,
		OrderedItems: ordered,
	}
	if len(items) == outboxPageSize {
		resp.Next = fmt.Sprintf("%s?page=%d", outboxURI, page+1)
	}
	if page > 1 {
		resp.Prev = fmt.Sprintf("%s?page=%d", outboxURI, page-1)
	}

	c.Header("Content-Type", activityJSONType)
	c.JSON(http.StatusOK, resp)
}
