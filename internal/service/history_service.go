package service

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

// HistoryService answers the reconnect-time queries: unread counts, visible
// history and clearing a user's view of a room.
type HistoryService struct {
	ledger    repository.MessageLedger
	validator *validator.Validate
	logger    zerolog.Logger
}

func NewHistoryService(ledger repository.MessageLedger, validate *validator.Validate, logger zerolog.Logger) *HistoryService {
	if validate == nil {
		validate = validator.New()
	}
	return &HistoryService{
		ledger:    ledger,
		validator: validate,
		logger:    logger.With().Str("component", "history_service").Logger(),
	}
}

func (s *HistoryService) UnreadCounts(ctx context.Context, userID string) (map[string]int64, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidf("user is required")
	}
	return s.ledger.UnreadCounts(ctx, userID)
}

// Messages returns what the user may still see in a room after query.Since.
func (s *HistoryService) Messages(ctx context.Context, query dto.MessageHistoryQuery) ([]dto.MessageEvent, error) {
	query.RoomID = strings.TrimSpace(query.RoomID)
	if err := s.validator.Struct(query); err != nil {
		return nil, validationError(err)
	}
	if err := checkRoomAccess(query.RoomID, query.UserID); err != nil {
		return nil, err
	}

	messages, err := s.ledger.ListVisible(ctx, query.UserID, query.RoomID, query.Since, query.Limit)
	if err != nil {
		return nil, err
	}
	return dto.NewMessageEventSlice(messages), nil
}

// ClearHistory hides everything currently in the room from userID only.
func (s *HistoryService) ClearHistory(ctx context.Context, userID, roomID string) (dto.ClearHistoryResponse, error) {
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return dto.ClearHistoryResponse{}, invalidf("room and user are required")
	}
	if err := checkRoomAccess(roomID, userID); err != nil {
		return dto.ClearHistoryResponse{}, err
	}

	mark, err := s.ledger.ClearHistory(ctx, userID, roomID)
	if err != nil {
		return dto.ClearHistoryResponse{}, err
	}
	s.logger.Info().Str("user_id", userID).Str("room_id", roomID).Int64("watermark", mark.Seq).Msg("history cleared")
	return dto.NewClearHistoryResponse(mark), nil
}

// checkRoomAccess rejects users who are not one of the two participants of a
// pairwise room. Group rooms are open.
func checkRoomAccess(roomID, userID string) error {
	if !models.IsPairwiseRoom(roomID) {
		return nil
	}
	if _, ok := models.PairwiseCounterpart(roomID, userID); !ok {
		return invalidf("%s is not a participant of %s", userID, roomID)
	}
	return nil
}
