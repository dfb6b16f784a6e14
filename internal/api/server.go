// Package api exposes the QUICVC Manager API over HTTP: a thin fiber.App
// wrapping a handful of JSON handlers, constructed with the collaborators
// it dispatches to rather than owning them.
package api

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/quicvc-project/quicvc/internal/quicvc"
	"github.com/quicvc-project/quicvc/internal/verifier"
)

// Server is the admin HTTP surface over a *quicvc.Manager.
type Server struct {
	app *fiber.App
	mgr *quicvc.Manager
}

// NewServer constructs a Server wrapping mgr. logRequests enables fiber's
// per-request access log.
func NewServer(mgr *quicvc.Manager, logRequests bool) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	if logRequests {
		app.Use(logger.New())
	}

	s := &Server{app: app, mgr: mgr}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.app.Group("/v1")
	v1.Get("/healthz", s.handleHealthz)
	v1.Get("/connections", s.handleListConnections)
	v1.Get("/connections/:id", s.handleGetConnection)
	v1.Post("/connect", s.handleConnect)
	v1.Post("/disconnect", s.handleDisconnect)
	v1.Post("/service-data", s.handleSendServiceData)
	v1.Get("/events", s.handleEvents)
}

// Listen starts the HTTP server on addr, blocking until it exits.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// Test dispatches req through the handler chain without binding a socket,
// per fiber's own testing idiom (*fiber.App.Test). Used by integration
// tests in place of httptest.NewServer.
func (s *Server) Test(req *http.Request) (*http.Response, error) {
	return s.app.Test(req)
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func connectionJSON(snap quicvc.ConnectionSnapshot) fiber.Map {
	return fiber.Map{
		"device_id":     snap.DeviceID,
		"peer":          snap.Peer.String(),
		"state":         snap.State.String(),
		"is_server":     snap.IsServer,
		"created_at":    snap.CreatedAt,
		"last_activity": snap.LastActivity,
	}
}

func (s *Server) handleListConnections(c *fiber.Ctx) error {
	snapshots := s.mgr.Connections()

	out := make([]fiber.Map, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, connectionJSON(snap))
	}

	return c.JSON(out)
}

// handleGetConnection looks up a single connection by device id.
func (s *Server) handleGetConnection(c *fiber.Ctx) error {
	id := c.Params("id")

	for _, snap := range s.mgr.Connections() {
		if snap.DeviceID == id {
			return c.JSON(connectionJSON(snap))
		}
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no such connection"})
}

type connectRequest struct {
	DeviceID string `json:"device_id"`
	Addr     string `json:"addr"`
	Port     uint16 `json:"port"`

	Credential struct {
		ID         string `json:"id"`
		Issuer     string `json:"issuer"`
		Subject    string `json:"subject"`
		DeviceID   string `json:"device_id"`
		DeviceType string `json:"device_type"`
		IssuedAt   int64  `json:"issued_at"`
		ExpiresAt  int64  `json:"expires_at"`
		Proof      string `json:"proof"` // base64
	} `json:"credential"`
}

func (s *Server) handleConnect(c *fiber.Ctx) error {
	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	ip, err := netip.ParseAddr(req.Addr)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid addr"})
	}

	proof, err := base64.StdEncoding.DecodeString(req.Credential.Proof)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid credential proof encoding"})
	}

	cred := verifier.Credential{
		ID:         req.Credential.ID,
		Issuer:     req.Credential.Issuer,
		Subject:    req.Credential.Subject,
		DeviceID:   req.Credential.DeviceID,
		DeviceType: req.Credential.DeviceType,
		IssuedAt:   req.Credential.IssuedAt,
		ExpiresAt:  req.Credential.ExpiresAt,
		Proof:      proof,
	}

	addr := netip.AddrPortFrom(ip, req.Port)
	if err := s.mgr.Connect(c.Context(), req.DeviceID, addr, cred); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"status": "connecting"})
}

type disconnectRequest struct {
	DeviceID string `json:"device_id"`
	Addr     string `json:"addr"`
	Port     uint16 `json:"port"`
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	var req disconnectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	var addr netip.AddrPort
	hasAddr := req.Addr != ""
	if hasAddr {
		ip, err := netip.ParseAddr(req.Addr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid addr"})
		}
		addr = netip.AddrPortFrom(ip, req.Port)
	}

	s.mgr.Disconnect(c.Context(), req.DeviceID, addr, hasAddr)
	return c.JSON(fiber.Map{"status": "ok"})
}

type sendRequest struct {
	DeviceID string `json:"device_id"`
	StreamID uint64 `json:"stream_id"`
	Data     string `json:"data"` // base64
}

func (s *Server) handleSendServiceData(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid data encoding"})
	}

	if err := s.mgr.SendServiceData(c.Context(), req.DeviceID, req.StreamID, data); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"status": "sent"})
}

// eventView is the wire shape of a quicvc.Event: a flat JSON object with
// only the fields relevant to Kind populated, mirroring the Event struct
// itself.
type eventView struct {
	Kind     string `json:"kind"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleEvents streams quicvc.Manager events as server-sent events until
// the client disconnects; backs quicvcctl's monitor command.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		for ev := range s.mgr.Events() {
			view := eventView{Kind: ev.Kind.String(), DeviceID: ev.DeviceID, Reason: ev.Reason}
			if ev.Err != nil {
				view.Error = ev.Err.Error()
			}

			data, err := json.Marshal(view)
			if err != nil {
				continue
			}

			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})

	return nil
}
