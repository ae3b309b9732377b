package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/store"
)

// CreateWave records that callerID waved at receiverID. If the receiver
// already has a pending wave at the caller, the pair becomes mutual and a chat
// is opened. Repeating a wave is idempotent while the earlier one is live.
func (r *Registry) CreateWave(ctx context.Context, callerID, receiverID string) (model.WaveResult, error) {
	if err := requireCaller(callerID); err != nil {
		return model.WaveResult{}, err
	}
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return model.WaveResult{}, invalid("receiver_id required")
	}
	if receiverID == callerID {
		return model.WaveResult{}, invalid("cannot wave at yourself")
	}

	r.waveMu.Lock()
	defer r.waveMu.Unlock()

	var result model.WaveResult
	err := r.store.InTx(ctx, func(tx *store.Store) error {
		receiver, err := tx.Profile(ctx, receiverID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !receiver.Active) {
			return fmt.Errorf("receiver %q: %w", receiverID, directory.ErrNotFound)
		}
		if err != nil {
			return err
		}

		blocked, err := tx.Blocked(ctx, callerID, receiverID)
		if err != nil {
			return err
		}
		if blocked {
			return directory.ErrBlocked
		}

		now := r.now()
		latest, err := tx.LatestWaveBetween(ctx, callerID, receiverID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result, err = r.newWave(ctx, tx, callerID, receiverID, now)
			return err
		case err != nil:
			return err
		}

		switch latest.Status {
		case model.WaveMutual:
			chat, err := tx.LiveChatForWave(ctx, latest.WaveID, now)
			if err == nil {
				result = model.WaveResult{Wave: latest, Chat: &chat}
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		case model.WavePending:
			if now.Sub(latest.CreatedAt) >= r.policy.WaveWindow {
				if err := tx.UpdateWaveStatus(ctx, latest.WaveID, model.WaveExpired, nil); err != nil {
					return err
				}
				break
			}
			if latest.InitiatorID == callerID {
				result = model.WaveResult{Wave: latest}
				return nil
			}
			result, err = r.reciprocate(ctx, tx, latest, now)
			return err
		}

		result, err = r.newWave(ctx, tx, callerID, receiverID, now)
		return err
	})
	if err != nil {
		return model.WaveResult{}, err
	}

	r.logger.Debug("wave recorded", "wave", result.Wave.WaveID, "status", result.Wave.Status)
	return result, nil
}

func (r *Registry) newWave(ctx context.Context, tx *store.Store, initiatorID, receiverID string, now time.Time) (model.WaveResult, error) {
	w := model.Wave{
		WaveID:      uuid.NewString(),
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		Status:      model.WavePending,
		CreatedAt:   now,
	}
	if err := tx.InsertWave(ctx, w); err != nil {
		return model.WaveResult{}, err
	}
	return model.WaveResult{Wave: w}, nil
}

func (r *Registry) reciprocate(ctx context.Context, tx *store.Store, w model.Wave, now time.Time) (model.WaveResult, error) {
	mutualAt := now
	if err := tx.UpdateWaveStatus(ctx, w.WaveID, model.WaveMutual, &mutualAt); err != nil {
		return model.WaveResult{}, err
	}
	w.Status = model.WaveMutual
	w.MutualAt = &mutualAt

	chat := model.ChatSession{
		ChatID:       uuid.NewString(),
		WaveID:       w.WaveID,
		ParticipantA: w.InitiatorID,
		ParticipantB: w.ReceiverID,
		StartedAt:    now,
		ExpiresAt:    now.Add(r.policy.ChatLifetime),
		Active:       true,
	}
	if err := tx.InsertChat(ctx, chat); err != nil {
		return model.WaveResult{}, err
	}
	return model.WaveResult{Wave: w, Chat: &chat}, nil
}

// DeclineWave lets the receiver of a pending wave turn it down.
func (r *Registry) DeclineWave(ctx context.Context, callerID, waveID string) (model.Wave, error) {
	if err := requireCaller(callerID); err != nil {
		return model.Wave{}, err
	}

	r.waveMu.Lock()
	defer r.waveMu.Unlock()

	w, err := r.store.Wave(ctx, waveID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Wave{}, fmt.Errorf("wave %q: %w", waveID, directory.ErrNotFound)
	}
	if err != nil {
		return model.Wave{}, err
	}
	if w.ReceiverID != callerID {
		return model.Wave{}, fmt.Errorf("wave %q: %w", waveID, directory.ErrNotFound)
	}
	if w.Status != model.WavePending {
		return model.Wave{}, invalid("wave is %s", w.Status)
	}

	w.Status = model.WaveDeclined
	if r.now().Sub(w.CreatedAt) >= r.policy.WaveWindow {
		w.Status = model.WaveExpired
	}
	if err := r.store.UpdateWaveStatus(ctx, w.WaveID, w.Status, nil); err != nil {
		return model.Wave{}, err
	}
	return w, nil
}

// GetActiveChats lists the caller's live chats.
func (r *Registry) GetActiveChats(ctx context.Context, callerID string) ([]model.ChatSession, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	return r.store.LiveChats(ctx, callerID, r.now())
}

// participantChat loads chatID and checks callerID belongs to it. Chats the
// caller is not part of are reported as not found.
func (r *Registry) participantChat(ctx context.Context, callerID, chatID string) (model.ChatSession, error) {
	c, err := r.store.Chat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !c.HasParticipant(callerID)) {
		return model.ChatSession{}, fmt.Errorf("chat %q: %w", chatID, directory.ErrNotFound)
	}
	return c, err
}

// GetChatMessages returns a chat's history in send order.
func (r *Registry) GetChatMessages(ctx context.Context, callerID, chatID string) ([]model.ChatMessage, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	if _, err := r.participantChat(ctx, callerID, chatID); err != nil {
		return nil, err
	}
	return r.store.Messages(ctx, chatID)
}

// SendChatMessage appends a message to a live chat and pushes it to live
// subscribers. Delivery to subscribers is best effort; the stored log is
// authoritative.
func (r *Registry) SendChatMessage(ctx context.Context, callerID, chatID, content string) (model.ChatMessage, error) {
	if err := requireCaller(callerID); err != nil {
		return model.ChatMessage{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.ChatMessage{}, invalid("content required")
	}
	if len(content) > maxMessageLength {
		return model.ChatMessage{}, invalid("content longer than %d bytes", maxMessageLength)
	}

	c, err := r.participantChat(ctx, callerID, chatID)
	if err != nil {
		return model.ChatMessage{}, err
	}
	now := r.now()
	if !c.Active || !now.Before(c.ExpiresAt) {
		return model.ChatMessage{}, directory.ErrChatInactive
	}

	m := model.ChatMessage{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		SenderID:  callerID,
		Content:   content,
		CreatedAt: now,
	}
	if err := r.store.AppendMessage(ctx, m); err != nil {
		return model.ChatMessage{}, err
	}

	if r.pub != nil {
		payload, err := json.Marshal(m)
		if err == nil {
			err = r.pub.Publish(directory.MessagesTopic(chatID), payload)
		}
		if err != nil {
			r.logger.Warn("publish chat message failed", "chat", chatID, "err", err)
		}
	}
	return m, nil
}
