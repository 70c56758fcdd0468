package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/hub"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/overlay"
	"github.com/teslashibe/go-safeflow/pkg/session"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// uploadField is the multipart field carrying the video.
const uploadField = "video"

// handleError renders every error as {"error": message}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// statusError maps session and loop errors onto HTTP errors.
func statusError(err error) error {
	var ae *source.AcquisitionError
	switch {
	case errors.As(err, &ae):
		return fiber.NewError(fiber.StatusServiceUnavailable, ae.UserMessage())
	case errors.Is(err, source.ErrNotVideo):
		return fiber.NewError(fiber.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, session.ErrSourceSelected),
		errors.Is(err, session.ErrNoSource),
		errors.Is(err, loop.ErrSourceNotReady):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed), errors.Is(err, loop.ErrClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return err
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(NewStatusMessage(s.cfg.Session.Status()))
}

// handleRoot is the backend health check.
func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "Backend is running"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return s.status(c)
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	if err := s.cfg.Session.Start(); err != nil {
		return statusError(err)
	}
	return s.status(c)
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	s.cfg.Session.Stop()
	return s.status(c)
}

func (s *Server) handleToggle(c *fiber.Ctx) error {
	if err := s.cfg.Session.Toggle(); err != nil {
		return statusError(err)
	}
	return s.status(c)
}

func (s *Server) handleSelectLive(c *fiber.Ctx) error {
	if err := s.cfg.Session.SelectLive(c.UserContext()); err != nil {
		return statusError(err)
	}
	return s.status(c)
}

// handleSelectFile accepts any video/* upload in the "video" field.
func (s *Server) handleSelectFile(c *fiber.Ctx) error {
	fh, err := c.FormFile(uploadField)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "missing "+uploadField+" file")
	}
	if ct := fh.Header.Get("Content-Type"); !acceptUpload(ct) {
		return fiber.NewError(fiber.StatusUnsupportedMediaType, "expected a video file, got "+ct)
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.cfg.Session.SelectUpload(c.UserContext(), f, fh.Filename); err != nil {
		return statusError(err)
	}
	return s.status(c)
}

func (s *Server) handleChangeSource(c *fiber.Ctx) error {
	s.cfg.Session.ChangeSource()
	s.cfg.History.Clear()
	return s.status(c)
}

// handleFrame returns the last analysed frame with the overlay drawn on it.
func (s *Server) handleFrame(c *fiber.Ctx) error {
	snap := s.cfg.Session.Status().Loop
	if snap.LastFrame == nil {
		return fiber.NewError(fiber.StatusNotFound, "no frame analysed yet")
	}
	img, err := overlay.Annotate(snap.LastFrame.JPEG, snap.LastResult, s.cfg.Quality)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(img)
}

// handleOverlay returns the drawing commands for the current result. Width
// and height default to the analysed frame's size.
func (s *Server) handleOverlay(c *fiber.Ctx) error {
	snap := s.cfg.Session.Status().Loop
	var w, h int
	if f := snap.LastFrame; f != nil {
		w, h = f.Width, f.Height
	}
	w = c.QueryInt("width", w)
	h = c.QueryInt("height", h)
	if w <= 0 || h <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "width and height are required")
	}
	return c.JSON(overlay.Render(snap.LastResult, w, h))
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	return c.JSON(s.cfg.History.Points())
}

// handleReport stores a density event and returns any alert it raised.
func (s *Server) handleReport(c *fiber.Ctx) error {
	if s.cfg.Events == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "event store disabled")
	}
	var in events.Input
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	receipt, err := s.cfg.Events.Report(c.UserContext(), in)
	if errors.Is(err, events.ErrInvalidEvent) {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(receipt)
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.cfg.Events == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "event store disabled")
	}
	list, err := s.cfg.Events.Recent(c.UserContext(), c.QueryInt("limit", events.DefaultRecent))
	if err != nil {
		return err
	}
	return c.JSON(list)
}

// handleStatusWS streams status messages. The hub replays the latest one on
// connect, so a fresh status is broadcast first.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c)
	s.Publish(s.cfg.Session.Status())
	client.Run()
}

// acceptUpload filters on the declared part type. Generic binary parts are
// let through; SelectUpload sniffs the content either way.
func acceptUpload(contentType string) bool {
	return contentType == "" ||
		strings.HasPrefix(contentType, "video/") ||
		strings.HasPrefix(contentType, fiber.MIMEOctetStream)
}
