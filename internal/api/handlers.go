package api

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tontoo/internal/auth"
	"tontoo/internal/models"
	"tontoo/internal/relay"
	"tontoo/internal/service/assistant"
)

// UserService manages accounts.
type UserService interface {
	CreateUser(ctx context.Context, username, password string, maxTokens int64) (*models.User, error)
	Login(ctx context.Context, username, password string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByName(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	DeleteUser(ctx context.Context, id int64) error
	UpdatePersonalPrompt(ctx context.Context, id int64, prompt string) error
}

// ConversationAdmin drops a user's conversations and their in-memory state.
type ConversationAdmin interface {
	DeleteUser(ctx context.Context, userID int64) error
	Stop(userID int64)
}

// QuotaAdmin is the administrative side of the quota ledger.
type QuotaAdmin interface {
	SetCap(ctx context.Context, userID int64, limit int64) error
	ForceReset(ctx context.Context) error
}

type Options struct {
	// AdminPassword enables /admin with basic auth as user "admin".
	AdminPassword string
	StaticDir     string
}

// Handler wires HTTP routes to the account services and the relay hub.
type Handler struct {
	users         UserService
	auth          *auth.Service
	hub           *relay.Hub
	conversations ConversationAdmin
	quota         QuotaAdmin
	opts          Options
	started       time.Time
	upgrader      websocket.Upgrader
}

// NewHandler constructs a Handler instance.
func NewHandler(users UserService, authService *auth.Service, hub *relay.Hub, conversations ConversationAdmin, quota QuotaAdmin, opts Options) *Handler {
	return &Handler{
		users:         users,
		auth:          authService,
		hub:           hub,
		conversations: conversations,
		quota:         quota,
		opts:          opts,
		started:       time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/login", h.loginUser)
	router.GET("/ws", h.serveWS)

	authMW := h.auth.Middleware()
	router.POST("/logout", authMW, h.auth.CSRFMiddleware(), h.logoutUser)

	api := router.Group("/api")
	api.Use(authMW, h.auth.CSRFMiddleware())
	api.GET("/userinfo", h.userInfo)
	api.POST("/update-personal-prompt", h.updatePersonalPrompt)

	if h.opts.AdminPassword != "" {
		admin := router.Group("/admin")
		admin.Use(gin.BasicAuth(gin.Accounts{"admin": h.opts.AdminPassword}))
		admin.POST("/create-user", h.createUser)
		admin.DELETE("/delete-user/:username", h.deleteUser)
		admin.GET("/users", h.listUsers)
		admin.POST("/update-limit", h.updateLimit)
		admin.POST("/reset-quota", h.resetQuota)
		admin.GET("/system-stats", h.systemStats)
	}

	if h.opts.StaticDir != "" {
		router.NoRoute(h.serveStatic)
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	if _, err := h.auth.SetSessionCookies(c, authToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":            authToken,
		"username":         user.Username,
		"tokens_remaining": user.Remaining(),
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			log.Printf("logout: %v", err)
		}
	}
	h.auth.ClearSessionCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) userInfo(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":         user.Username,
		"tokens_remaining": user.Remaining(),
		"max_tokens":       user.TokenCap,
		"personal_prompt":  user.PersonalPrompt,
	})
}

type personalPromptRequest struct {
	PersonalPrompt string `json:"personalPrompt"`
}

func (h *Handler) updatePersonalPrompt(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req personalPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.users.UpdatePersonalPrompt(c.Request.Context(), userID, req.PersonalPrompt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type createUserRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	MaxTokens int64  `json:"maxTokens"`
}

func (h *Handler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.users.CreateUser(c.Request.Context(), req.Username, req.Password, req.MaxTokens)
	if err != nil {
		if errors.Is(err, assistant.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) deleteUser(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := h.users.GetUserByName(ctx, c.Param("username"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.auth.RevokeUserTokens(ctx, user.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.hub.DisconnectUser(user.ID)
	if err := h.conversations.DeleteUser(ctx, user.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.conversations.Stop(user.ID)
	if err := h.users.DeleteUser(ctx, user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if users == nil {
		users = make([]*models.User, 0)
	}
	c.JSON(http.StatusOK, users)
}

type updateLimitRequest struct {
	Username  string `json:"username"`
	MaxTokens int64  `json:"maxTokens"`
}

func (h *Handler) updateLimit(c *gin.Context) {
	var req updateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MaxTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	user, err := h.users.GetUserByName(ctx, req.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.quota.SetCap(ctx, user.ID, req.MaxTokens); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) resetQuota(c *gin.Context) {
	if err := h.quota.ForceReset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) systemStats(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	registry := h.hub.Registry()
	host := readHostStats()
	c.JSON(http.StatusOK, gin.H{
		"cpu": host.CPU,
		"memory": gin.H{
			"used":  host.MemUsedGB,
			"total": host.MemTotalGB,
		},
		"uptime":      int64(time.Since(h.started).Seconds()),
		"activeUsers": registry.ActiveUsers(),
		"connections": registry.Len(),
		"goroutines":  runtime.NumGoroutine(),
		"memoryUsage": gin.H{
			"heapAlloc": mem.HeapAlloc,
			"heapSys":   mem.HeapSys,
			"sys":       mem.Sys,
		},
	})
}

// serveStatic serves files from the static directory, falling back to index.html.
func (h *Handler) serveStatic(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	rel := filepath.Clean("/" + c.Request.URL.Path)
	path := filepath.Join(h.opts.StaticDir, rel)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		c.File(path)
		return
	}
	if strings.HasPrefix(rel, "/api/") || strings.HasPrefix(rel, "/admin/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(filepath.Join(h.opts.StaticDir, "index.html"))
}
