package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"crashengine/internal/engine"
)

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	snapshot, err := s.engine.Snapshot(c.Context())
	if err != nil {
		log.Printf("[API] State fetch failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch game state",
		})
	}
	return c.JSON(snapshot)
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	entries, err := s.engine.History(c.Context())
	if err != nil {
		log.Printf("[API] History fetch failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch history",
		})
	}
	return c.JSON(fiber.Map{"entries": entries})
}

// verifyRoundHandler lets players check a revealed seed against its
// pre-round commitment and recompute the crash multiplier themselves.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	seed := c.Query("seed")
	if seed == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query parameter 'seed' is required",
		})
	}

	state, err := s.engine.CurrentState(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch game state",
		})
	}

	response := fiber.Map{
		"seed":       seed,
		"hash":       engine.HashSeed(seed),
		"multiplier": engine.Reveal(seed, state.Settings),
	}
	if expected := c.Query("hash"); expected != "" {
		response["matches"] = engine.VerifyCommitment(seed, expected)
	}

	return c.JSON(response)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var input engine.PlaceBetInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if input.Amount.IsZero() || input.Amount.IsNegative() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "amount must be positive",
		})
	}

	result, err := s.engine.PlaceBet(c.Context(), input)
	if err != nil {
		log.Printf("[API] Bet failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to place bet",
		})
	}

	if result.Status == engine.BetRejected {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}
	return c.JSON(result)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var input engine.CashoutInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.UserID == "" || input.TicketID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id and ticket_id are required",
		})
	}

	result, err := s.engine.Cashout(c.Context(), input)
	if err != nil {
		log.Printf("[API] Cashout failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cash out",
		})
	}

	if result.Status == engine.CashoutRejected {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}
	return c.JSON(result)
}

type enqueueCommandRequest struct {
	Action  string                 `json:"action"`
	Payload map[string]interface{} `json:"payload"`
}

// enqueueCommandHandler is the operator surface: commands are queued here
// and consumed by the engine at the top of its next tick, never applied
// inline.
func (s *FiberServer) enqueueCommandHandler(c *fiber.Ctx) error {
	var req enqueueCommandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	action := engine.CommandAction(req.Action)
	switch action {
	case engine.ActionPause, engine.ActionResume, engine.ActionForceCrash,
		engine.ActionSetResult, engine.ActionUpdateSettings:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown action: " + req.Action,
		})
	}

	id, err := s.repo.EnqueueCommand(c.Context(), action, req.Payload)
	if err != nil {
		log.Printf("[API] Command enqueue failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enqueue command",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"command_id": id,
		"status":     "pending",
	})
}

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	s.hub.RegisterClient(conn, userID)
	defer s.hub.UnregisterClient(conn)

	// Greet the client with the current snapshot so it does not sit on a
	// blank screen until the next tick broadcast.
	if snapshot, err := s.engine.Snapshot(context.Background()); err == nil {
		if data, err := json.Marshal(wsEnvelope{Type: "game_state", Data: snapshot}); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	// The read loop only exists to detect disconnects; clients do not send
	// game actions over the socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
