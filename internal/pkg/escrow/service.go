package escrow

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/ledger"
)

type EscrowService struct {
	Engine   *Engine
	Verifier *auth.Verifier
}

func NewEscrowService(i do.Injector) (*EscrowService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	verifier := do.MustInvoke[*auth.Verifier](i)
	logger := do.MustInvoke[*slog.Logger](i)

	recordSink := do.MustInvokeNamed[chan<- Record](i, "record-sink")
	treasury := do.MustInvokeNamed[ledger.Address](i, "treasury")

	engine, err := NewEngine(databaseService.DB, Config{
		Params:   DefaultParams(),
		Treasury: treasury,
	}, recordSink, logger.With(slog.String("service", "escrow")))
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow engine: %w", err)
	}

	result := &EscrowService{
		Engine:   engine,
		Verifier: verifier,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Register)

	return result, nil
}

func (s *EscrowService) Register(e *echo.Echo) {
	apiGroup := e.Group("/api")

	apiGroup.GET("/events", s.GetEvents)

	matchesGroup := apiGroup.Group("/matches")

	matchesGroup.GET("/:id", s.GetMatch)
	matchesGroup.HEAD("/:id", s.HeadMatch)
	matchesGroup.GET("/:id/events", s.GetMatchEvents)

	authenticated := s.Verifier.Middleware()

	matchesGroup.POST("", s.PostMatch, authenticated)
	matchesGroup.POST("/:id/join", s.PostJoin, authenticated)
	matchesGroup.POST("/:id/resolve", s.PostResolve, authenticated)
	matchesGroup.POST("/:id/cancel", s.PostCancel, authenticated)
	matchesGroup.POST("/:id/draw", s.PostDraw, authenticated)

	// Two-step settlement kept for older clients.
	matchesGroup.POST("/:id/declare", s.PostDeclareWinner, authenticated)
	matchesGroup.POST("/:id/claim", s.PostClaimReward, authenticated)
}

func matchIDParam(c echo.Context) (MatchID, error) {
	id, err := ParseMatchID(c.Param("id"))
	if err != nil {
		return id, echo.NewHTTPError(http.StatusBadRequest, "invalid match id")
	}

	return id, nil
}

func callerOf(c echo.Context) (ledger.Address, error) {
	caller, err := auth.Caller(c)
	if err != nil {
		return caller, echo.NewHTTPError(http.StatusUnauthorized, "missing caller")
	}

	return caller, nil
}

func (s *EscrowService) PostMatch(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	var request CreateMatchRequest

	err = c.Bind(&request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var id MatchID

	switch {
	case len(request.MatchID) > 0:
		id, err = ParseMatchID(request.MatchID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid match id")
		}
	case len(request.RoomCode) > 0:
		id = MatchIDFromRoomCode(request.RoomCode)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "match_id or room_code is required")
	}

	event, err := s.Engine.CreateMatch(c.Request().Context(), id, request.StakeAmount, caller)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusCreated, event)
}

func (s *EscrowService) PostJoin(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	event, err := s.Engine.JoinMatch(c.Request().Context(), id, caller)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, event)
}

func (s *EscrowService) PostResolve(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	var request ResolveRequest

	err = c.Bind(&request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	event, err := s.Engine.ResolveWithWinner(c.Request().Context(), id, caller, request)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, event)
}

func (s *EscrowService) PostCancel(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	event, err := s.Engine.CancelMatch(c.Request().Context(), id, caller)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, event)
}

func (s *EscrowService) PostDraw(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	event, err := s.Engine.DeclareDraw(c.Request().Context(), id, caller)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, event)
}

func (s *EscrowService) PostDeclareWinner(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	var request DeclareWinnerRequest

	err = c.Bind(&request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	//nolint:staticcheck // kept for clients still on the two-step flow
	event, err := s.Engine.DeclareWinner(c.Request().Context(), id, caller, request.Winner)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, event)
}

func (s *EscrowService) PostClaimReward(c echo.Context) error {
	caller, err := callerOf(c)
	if err != nil {
		return err
	}

	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	//nolint:staticcheck // kept for clients still on the two-step flow
	event, err := s.Engine.ClaimReward(c.Request().Context(), id, caller, s.Engine.Treasury())
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, event)
}

func (s *EscrowService) GetMatch(c echo.Context) error {
	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	info, err := s.Engine.Match(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, info)
}

func (s *EscrowService) HeadMatch(c echo.Context) error {
	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	exists, err := s.Engine.MatchExists(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}

	if !exists {
		//nolint:wrapcheck
		return c.NoContent(http.StatusNotFound)
	}

	//nolint:wrapcheck
	return c.NoContent(http.StatusOK)
}

func eventsQuery(c echo.Context) (uint64, int, error) {
	var (
		after uint64
		limit int
		err   error
	)

	if v := c.QueryParam("after"); len(v) > 0 {
		after, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid after value")
		}
	}

	if v := c.QueryParam("limit"); len(v) > 0 {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 || limit > MaxEventsLimit {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit value")
		}
	}

	return after, limit, nil
}

func (s *EscrowService) GetEvents(c echo.Context) error {
	after, limit, err := eventsQuery(c)
	if err != nil {
		return err
	}

	records, err := s.Engine.Events(c.Request().Context(), after, limit, nil)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, records)
}

func (s *EscrowService) GetMatchEvents(c echo.Context) error {
	id, err := matchIDParam(c)
	if err != nil {
		return err
	}

	after, limit, err := eventsQuery(c)
	if err != nil {
		return err
	}

	records, err := s.Engine.Events(c.Request().Context(), after, limit, &id)
	if err != nil {
		return HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, records)
}
