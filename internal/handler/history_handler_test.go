package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/handler"
	"github.com/noah-isme/gema-realtime/internal/middleware"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
	"github.com/noah-isme/gema-realtime/internal/service"
)

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func newHistoryApp(t *testing.T) (*fiber.App, repository.MessageLedger) {
	t.Helper()
	ledger := repository.NewMemoryLedger()
	logger := zerolog.New(io.Discard)

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	history := service.NewHistoryService(ledger, nil, logger)
	handler.NewHistoryHandler(history, logger).Register(app.Group("/api/v1"), middleware.TrustedHeader())
	return app, ledger
}

func seedPairwise(t *testing.T, ledger repository.MessageLedger, bodies ...string) string {
	t.Helper()
	room := models.PairwiseRoomID("alice", "bob")
	for _, body := range bodies {
		message := models.Message{RoomID: room, SenderID: "alice", Body: body}
		require.NoError(t, ledger.Append(context.Background(), &message, []string{"bob"}))
	}
	return room
}

func asUser(req *http.Request, userID string) *http.Request {
	req.Header.Set(middleware.UserHeader, userID)
	return req
}

func TestHistoryHandler_UnreadCounts(t *testing.T) {
	app, ledger := newHistoryApp(t)
	room := seedPairwise(t, ledger, "one", "two")

	resp, err := app.Test(asUser(httptest.NewRequest(http.MethodGet, "/api/v1/unread-counts", nil), "bob"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Success bool             `json:"success"`
		Data    map[string]int64 `json:"data"`
	}
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	require.Equal(t, map[string]int64{room: 2}, body.Data)
}

func TestHistoryHandler_MessagesPaginates(t *testing.T) {
	app, ledger := newHistoryApp(t)
	room := seedPairwise(t, ledger, "one", "two", "three")

	resp, err := app.Test(asUser(httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+room+"/messages?limit=2", nil), "bob"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var page struct {
		Data []dto.MessageEvent `json:"data"`
		Meta struct {
			NextSince int64 `json:"next_since"`
			Count     int   `json:"count"`
		} `json:"meta"`
	}
	decodeResponse(t, resp, &page)
	require.Len(t, page.Data, 2)
	require.Equal(t, "one", page.Data[0].Body)
	require.Equal(t, page.Data[1].Seq, page.Meta.NextSince)

	resp, err = app.Test(asUser(httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+room+"/messages?since="+strconv.FormatInt(page.Meta.NextSince, 10), nil), "bob"))
	require.NoError(t, err)
	decodeResponse(t, resp, &page)
	require.Len(t, page.Data, 1)
	require.Equal(t, "three", page.Data[0].Body)
}

func TestHistoryHandler_RejectsBadInput(t *testing.T) {
	app, ledger := newHistoryApp(t)
	room := seedPairwise(t, ledger, "one")

	cases := []struct {
		name   string
		path   string
		user   string
		status int
	}{
		{name: "bad cursor", path: "/api/v1/rooms/" + room + "/messages?since=abc", user: "bob", status: fiber.StatusBadRequest},
		{name: "negative limit", path: "/api/v1/rooms/" + room + "/messages?limit=-1", user: "bob", status: fiber.StatusBadRequest},
		{name: "outsider", path: "/api/v1/rooms/" + room + "/messages", user: "mallory", status: fiber.StatusBadRequest},
		{name: "anonymous", path: "/api/v1/unread-counts", status: fiber.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.user != "" {
				req = asUser(req, tc.user)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestHistoryHandler_ClearHistory(t *testing.T) {
	app, ledger := newHistoryApp(t)
	room := seedPairwise(t, ledger, "one", "two")

	resp, err := app.Test(asUser(httptest.NewRequest(http.MethodPost, "/api/v1/rooms/"+room+"/clear-history", nil), "bob"))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var cleared struct {
		Data dto.ClearHistoryResponse `json:"data"`
	}
	decodeResponse(t, resp, &cleared)
	require.Equal(t, room, cleared.Data.RoomID)
	require.Positive(t, cleared.Data.Watermark)

	resp, err = app.Test(asUser(httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+room+"/messages", nil), "bob"))
	require.NoError(t, err)
	var page struct {
		Data []dto.MessageEvent `json:"data"`
	}
	decodeResponse(t, resp, &page)
	require.Empty(t, page.Data)

	resp, err = app.Test(asUser(httptest.NewRequest(http.MethodGet, "/api/v1/rooms/"+room+"/messages", nil), "alice"))
	require.NoError(t, err)
	decodeResponse(t, resp, &page)
	require.Len(t, page.Data, 2)
}
