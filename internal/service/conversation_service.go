package service

import (
	"context"
	"fmt"

	"chatsync/internal/domain"
)

type ConversationService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
}

func NewConversationService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		participants:  participants,
	}
}

type ConversationCreateInput struct {
	Type           domain.ConversationType
	Name           string
	ParticipantIDs []string
}

func (s *ConversationService) CreateConversation(ctx context.Context, in ConversationCreateInput, creatorID string) (*domain.Conversation, error) {
	if len(in.ParticipantIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one participant is required", domain.ErrInvalidInput)
	}
	convType := in.Type
	if convType == "" {
		convType = domain.ConversationDirect
	}

	// Include the creator, dropping duplicates.
	uniqueIDs := []string{creatorID}
	seen := map[string]struct{}{creatorID: {}}
	for _, id := range in.ParticipantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniqueIDs = append(uniqueIDs, id)
	}

	if convType == domain.ConversationDirect && len(uniqueIDs) != 2 {
		return nil, fmt.Errorf("%w: direct conversations need exactly two participants", domain.ErrInvalidInput)
	}

	conv := &domain.Conversation{
		ID:   domain.NewServerID(),
		Type: convType,
	}
	if in.Name != "" {
		conv.Metadata = map[string]string{"name": in.Name}
	}
	if err := s.conversations.Create(ctx, conv, uniqueIDs); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	return s.conversations.ListForUser(ctx, userID)
}

func (s *ConversationService) GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	isParticipant, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isParticipant {
		return nil, fmt.Errorf("%w: not a participant in this conversation", domain.ErrForbidden)
	}
	return conv, nil
}
