// Package api is the HTTP surface the CRM uses to reach the mail gateway.
package api

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/nhle/mailgateway/internal/gateway"
	"github.com/nhle/mailgateway/internal/logging"
	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/sync"
)

const (
	defaultMax = 25
	maxMax     = 100

	// maxRequestBytes bounds a send request, base64 overhead included.
	maxRequestBytes = 48 << 20
)

// Gateway is the mail gateway as the HTTP layer sees it.
type Gateway interface {
	Status(ctx context.Context) gateway.Status
	FetchEmails(ctx context.Context, raw string, max int) (*gateway.FetchResult, error)
	GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentContent, error)
	MarkRead(ctx context.Context, id string) error
	SendEmail(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error)
}

// COISearcher runs certificate-of-insurance searches.
type COISearcher interface {
	Search(ctx context.Context, clientNameHint string, sinceDays int) (*gateway.FetchResult, error)
	DefaultDays() int
}

// Poller is the background COI poller.
type Poller interface {
	Status() sync.SyncStatus
	Trigger() bool
}

// Server holds the handler dependencies.
type Server struct {
	gw      Gateway
	coi     COISearcher
	poller  Poller
	metrics http.Handler
	logger  *log.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithPoller exposes the poller status and trigger routes.
func WithPoller(p Poller) Option {
	return func(s *Server) { s.poller = p }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the access and error logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server over gw and coi.
func New(gw Gateway, coi COISearcher, opts ...Option) *Server {
	s := &Server{gw: gw, coi: coi, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20
	r.Use(gin.Recovery(), RequestID(), AccessLog(s.logger))

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	email := r.Group("/email")
	email.GET("/status", s.handleStatus)
	email.GET("/messages", s.handleListMessages)
	email.GET("/messages/:id", s.handleGetMessage)
	email.POST("/messages/:id/read", s.handleMarkRead)
	email.GET("/messages/:id/attachments/:attachmentId", s.handleGetAttachment)
	email.POST("/send", s.handleSend)
	email.GET("/coi-search", s.handleCOISearch)
	email.GET("/poller", s.handlePollerStatus)
	email.POST("/poller/trigger", s.handlePollerTrigger)

	return r
}
