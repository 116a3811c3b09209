package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/gin-gonic/gin"

	"github.com/nhle/mailgateway/internal/model"
	"github.com/nhle/mailgateway/internal/sync"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus handles GET /email/status. Detection failures are reported
// in the body, never as an error status.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.Status(c.Request.Context()))
}

// handleListMessages handles GET /email/messages?query=&max=
func (s *Server) handleListMessages(c *gin.Context) {
	max, err := parseMax(c.Query("max"))
	if err != nil {
		s.badRequest(c, "%v", err)
		return
	}

	res, err := s.gw.FetchEmails(c.Request.Context(), c.Query("query"), max)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleGetMessage handles GET /email/messages/:id
func (s *Server) handleGetMessage(c *gin.Context) {
	msg, err := s.gw.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// handleMarkRead handles POST /email/messages/:id/read
func (s *Server) handleMarkRead(c *gin.Context) {
	id := c.Param("id")
	if err := s.gw.MarkRead(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "isRead": true})
}

// handleGetAttachment handles GET /email/messages/:id/attachments/:attachmentId
// and streams the complete attachment.
func (s *Server) handleGetAttachment(c *gin.Context) {
	att, err := s.gw.GetAttachment(c.Request.Context(), c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	contentType := att.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Content-Length", strconv.Itoa(len(att.Data)))
	c.Data(http.StatusOK, contentType, att.Data)
}

// handleSend handles POST /email/send with a JSON or multipart body.
func (s *Server) handleSend(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)

	var msg model.OutboundMessage
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		msg, err = readMultipartMessage(c)
	} else {
		err = c.ShouldBindJSON(&msg)
	}
	if err != nil {
		s.badRequest(c, "reading message: %v", err)
		return
	}

	res, err := s.gw.SendEmail(c.Request.Context(), msg)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleCOISearch handles GET /email/coi-search?client=&days=
func (s *Server) handleCOISearch(c *gin.Context) {
	days := s.coi.DefaultDays()
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(c, "days must be a positive integer, got %q", raw)
			return
		}
		days = n
	}

	res, err := s.coi.Search(c.Request.Context(), c.Query("client"), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handlePollerStatus handles GET /email/poller
func (s *Server) handlePollerStatus(c *gin.Context) {
	if s.poller == nil {
		c.JSON(http.StatusOK, sync.SyncStatus{})
		return
	}
	c.JSON(http.StatusOK, s.poller.Status())
}

// handlePollerTrigger handles POST /email/poller/trigger
func (s *Server) handlePollerTrigger(c *gin.Context) {
	if s.poller == nil {
		c.JSON(http.StatusConflict, errorBody{Error: errorDetail{Code: "poller_disabled", Message: "the COI poller is not enabled"}})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": s.poller.Trigger()})
}

func parseMax(raw string) (int, error) {
	if raw == "" {
		return defaultMax, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("max must be a positive integer, got %q", raw)
	}
	if n > maxMax {
		n = maxMax
	}
	return n, nil
}

// readMultipartMessage builds a message from form fields. Recipient
// fields are comma-separated address lists; files come from the
// "attachments" field.
func readMultipartMessage(c *gin.Context) (model.OutboundMessage, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return model.OutboundMessage{}, err
	}

	msg := model.OutboundMessage{
		Subject:  formValue(form, "subject"),
		BodyHTML: formValue(form, "bodyHtml"),
		BodyText: formValue(form, "bodyText"),
	}
	recipients := []struct {
		field string
		dst   *[]model.Address
	}{
		{"to", &msg.To},
		{"cc", &msg.Cc},
		{"bcc", &msg.Bcc},
	}
	for _, r := range recipients {
		list, err := parseAddressList(formValue(form, r.field))
		if err != nil {
			return model.OutboundMessage{}, fmt.Errorf("%s: %w", r.field, err)
		}
		*r.dst = list
	}

	for _, fh := range form.File["attachments"] {
		att, err := readFormFile(fh)
		if err != nil {
			return model.OutboundMessage{}, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func parseAddressList(raw string) ([]model.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, err
	}
	out := make([]model.Address, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, model.Address{Name: a.Name, Address: a.Address})
	}
	return out, nil
}

func readFormFile(fh *multipart.FileHeader) (model.OutboundAttachment, error) {
	f, err := fh.Open()
	if err != nil {
		return model.OutboundAttachment{}, fmt.Errorf("opening %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return model.OutboundAttachment{}, fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return model.OutboundAttachment{Filename: fh.Filename, MIMEType: mimeType, Data: data}, nil
}
