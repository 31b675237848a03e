package backend

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/roach88/takedown/internal/wire"
)

// Server is the backend HTTP API.
type Server struct {
	db     *gorm.DB
	logger *slog.Logger
	app    *fiber.App
	newID  func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIDs sets the generator for server match ids.
func WithIDs(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

// NewServer builds the API on db.
func NewServer(db *gorm.DB, opts ...Option) *Server {
	s := &Server{db: db, logger: slog.Default(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "takedown-backend",
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
		ErrorHandler:          s.handleError,
	})
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api", verifyDigest)
	api.Post("/matches", s.createMatch)
	api.Get("/matches/:id", s.getMatch)
	api.Put("/matches/:id", s.updateMatch)
	api.Get("/matches/:id/events", s.listEvents)
	api.Post("/matches/:id/events", s.appendEvent)
	api.Get("/matches/:id/media", s.listMedia)
	api.Post("/matches/:id/media", s.appendMedia)
	return s
}

// App returns the fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithContext(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		return <-errc
	}
}

// verifyDigest rejects bodies that do not match their digest header.
func verifyDigest(c *fiber.Ctx) error {
	if d := c.Get(wire.DigestHeader); d != "" && d != wire.PayloadDigest(c.Body()) {
		return fiber.NewError(fiber.StatusBadRequest, "payload digest mismatch")
	}
	return c.Next()
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.Is(err, gorm.ErrRecordNotFound):
		code, msg = fiber.StatusNotFound, "match not found"
	default:
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(wire.ErrorResponse{Error: msg})
}

func (s *Server) findMatch(tx *gorm.DB, id string) (Match, error) {
	var m Match
	err := tx.First(&m, "id = ?", id).Error
	return m, err
}

func (s *Server) createMatch(c *fiber.Ctx) error {
	var in wire.MatchCreate
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid match")
	}
	if in.ClientID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "client_id is required")
	}

	var (
		m       Match
		created bool
	)
	err := s.db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&m, "client_id = ?", in.ClientID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		m = Match{ID: s.newID(), ClientID: in.ClientID, Ruleset: in.Ruleset}
		m.apply(wire.MatchUpdate{
			A: in.A, B: in.B, Period: in.Period,
			RemainingSeconds: in.RemainingSeconds, Status: in.Status,
		})
		created = true
		return tx.Create(&m).Error
	})
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		s.logger.Info("match created", "match_id", m.ID, "client_id", in.ClientID)
	}
	return c.Status(status).JSON(wire.CreateResponse{ID: m.ID})
}

// MatchDetail is the answer to GET /api/matches/:id.
type MatchDetail struct {
	wire.MatchUpdate
	ClientID string     `json:"client_id"`
	Ruleset  string     `json:"ruleset"`
	Media    []MediaSet `json:"media"`
}

func (s *Server) getMatch(c *fiber.Ctx) error {
	db := s.db.WithContext(c.UserContext())
	m, err := s.findMatch(db, c.Params("id"))
	if err != nil {
		return err
	}
	media := []MediaSet{}
	if err := db.Where("match_id = ?", m.ID).Order("finalized_at").Find(&media).Error; err != nil {
		return err
	}
	return c.JSON(MatchDetail{MatchUpdate: m.Wire(), ClientID: m.ClientID, Ruleset: m.Ruleset, Media: media})
}

// updateMatch replaces the named fields of a match. Replaying an update is
// harmless.
func (s *Server) updateMatch(c *fiber.Ctx) error {
	var in wire.MatchUpdate
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid update")
	}
	db := s.db.WithContext(c.UserContext())
	m, err := s.findMatch(db, c.Params("id"))
	if err != nil {
		return err
	}
	m.apply(in)
	if err := db.Save(&m).Error; err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listEvents(c *fiber.Ctx) error {
	db := s.db.WithContext(c.UserContext())
	m, err := s.findMatch(db, c.Params("id"))
	if err != nil {
		return err
	}
	events := []Event{}
	if err := db.Where("match_id = ?", m.ID).Order("id").Find(&events).Error; err != nil {
		return err
	}
	return c.JSON(events)
}

func (s *Server) appendEvent(c *fiber.Ctx) error {
	var in wire.MatchEvent
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid event")
	}
	if in.OpID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "op_id is required")
	}
	db := s.db.WithContext(c.UserContext())
	m, err := s.findMatch(db, c.Params("id"))
	if err != nil {
		return err
	}

	ev := eventFrom(m.ID, in, append([]byte(nil), c.Body()...))
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "op_id"}},
		DoNothing: true,
	}).Create(&ev)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("duplicate event ignored", "op_id", in.OpID)
	}
	return c.SendStatus(fiber.StatusCreated)
}

func (s *Server) listMedia(c *fiber.Ctx) error {
	db := s.db.WithContext(c.UserContext())
	m, err := s.findMatch(db, c.Params("id"))
	if err != nil {
		return err
	}
	chunks := []MediaChunk{}
	if err := db.Where("match_id = ?", m.ID).Order("media_id, chunk_index").Find(&chunks).Error; err != nil {
		return err
	}
	return c.JSON(chunks)
}

func (s *Server) appendMedia(c *fiber.Ctx) error {
	var in wire.MediaChunk
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid chunk")
	}
	if in.MediaID == "" || in.Index < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "media_id and a non-negative index are required")
	}
	db := s.db.WithContext(c.UserContext())
	m, err := s.findMatch(db, c.Params("id"))
	if err != nil {
		return err
	}

	chunk := chunkFrom(m.ID, in)
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "media_id"}, {Name: "chunk_index"}},
		DoNothing: true,
	}).Create(&chunk).Error
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusCreated)
}
