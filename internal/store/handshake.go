package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"waveos/go-presence/internal/model"
)

const waveColumns = `id, initiator_id, receiver_id, status, created_at, mutual_at`

const chatColumns = `id, wave_id, user1_id, user2_id, started_at, expires_at, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWave(r rowScanner) (model.Wave, error) {
	var (
		w         model.Wave
		status    string
		createdAt string
		mutualAt  sql.NullString
	)
	if err := r.Scan(&w.WaveID, &w.InitiatorID, &w.ReceiverID, &status, &createdAt, &mutualAt); err != nil {
		return model.Wave{}, err
	}
	w.Status = model.WaveStatus(status)
	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Wave{}, err
	}
	if w.MutualAt, err = scanNullTime(mutualAt); err != nil {
		return model.Wave{}, err
	}
	return w, nil
}

func scanChat(r rowScanner) (model.ChatSession, error) {
	var (
		c                    model.ChatSession
		startedAt, expiresAt string
	)
	if err := r.Scan(&c.ChatID, &c.WaveID, &c.ParticipantA, &c.ParticipantB, &startedAt, &expiresAt, &c.Active); err != nil {
		return model.ChatSession{}, err
	}
	var err error
	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return model.ChatSession{}, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return model.ChatSession{}, err
	}
	return c, nil
}

// InsertWave persists a new wave.
func (s *Store) InsertWave(ctx context.Context, w model.Wave) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO waves (`+waveColumns+`) VALUES (?, ?, ?, ?, ?, ?);`,
		w.WaveID, w.InitiatorID, w.ReceiverID, string(w.Status), formatTime(w.CreatedAt), nullableTime(w.MutualAt),
	)
	if err != nil {
		return fmt.Errorf("insert wave: %w", err)
	}
	return nil
}

// Wave returns the wave with the given id.
func (s *Store) Wave(ctx context.Context, id string) (model.Wave, error) {
	w, err := scanWave(s.q.QueryRowContext(ctx, `SELECT `+waveColumns+` FROM waves WHERE id = ?;`, id))
	if err != nil {
		return model.Wave{}, fmt.Errorf("query wave: %w", notFound(err))
	}
	return w, nil
}

// LatestWaveBetween returns the most recent wave exchanged between a and b in either direction.
func (s *Store) LatestWaveBetween(ctx context.Context, a, b string) (model.Wave, error) {
	w, err := scanWave(s.q.QueryRowContext(
		ctx,
		`SELECT `+waveColumns+` FROM waves
		 WHERE (initiator_id = ? AND receiver_id = ?) OR (initiator_id = ? AND receiver_id = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT 1;`,
		a, b, b, a,
	))
	if err != nil {
		return model.Wave{}, fmt.Errorf("query latest wave: %w", notFound(err))
	}
	return w, nil
}

// UpdateWaveStatus moves a wave to status, stamping mutualAt when given.
func (s *Store) UpdateWaveStatus(ctx context.Context, id string, status model.WaveStatus, mutualAt *time.Time) error {
	res, err := s.q.ExecContext(
		ctx,
		`UPDATE waves SET status = ?, mutual_at = COALESCE(?, mutual_at) WHERE id = ?;`,
		string(status), nullableTime(mutualAt), id,
	)
	if err != nil {
		return fmt.Errorf("update wave: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update wave: %w", ErrNotFound)
	}
	return nil
}

// InsertChat persists a new chat session.
func (s *Store) InsertChat(ctx context.Context, c model.ChatSession) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		c.ChatID, c.WaveID, c.ParticipantA, c.ParticipantB, formatTime(c.StartedAt), formatTime(c.ExpiresAt), c.Active,
	)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// Chat returns the chat with the given id.
func (s *Store) Chat(ctx context.Context, id string) (model.ChatSession, error) {
	c, err := scanChat(s.q.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?;`, id))
	if err != nil {
		return model.ChatSession{}, fmt.Errorf("query chat: %w", notFound(err))
	}
	return c, nil
}

// LiveChatForWave returns the wave's chat if it is active and unexpired at now.
func (s *Store) LiveChatForWave(ctx context.Context, waveID string, now time.Time) (model.ChatSession, error) {
	c, err := scanChat(s.q.QueryRowContext(
		ctx,
		`SELECT `+chatColumns+` FROM chats WHERE wave_id = ? AND is_active = 1 AND expires_at > ?
		 ORDER BY started_at DESC LIMIT 1;`,
		waveID, formatTime(now),
	))
	if err != nil {
		return model.ChatSession{}, fmt.Errorf("query chat for wave: %w", notFound(err))
	}
	return c, nil
}

// LiveChats lists the active, unexpired chats userID participates in.
func (s *Store) LiveChats(ctx context.Context, userID string, now time.Time) ([]model.ChatSession, error) {
	rows, err := s.q.QueryContext(
		ctx,
		`SELECT `+chatColumns+` FROM chats
		 WHERE (user1_id = ? OR user2_id = ?) AND is_active = 1 AND expires_at > ?
		 ORDER BY started_at ASC;`,
		userID, userID, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	chats := []model.ChatSession{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

// AppendMessage stores m at the end of its chat's log.
func (s *Store) AppendMessage(ctx context.Context, m model.ChatMessage) error {
	_, err := s.q.ExecContext(
		ctx,
		`INSERT INTO chat_messages (id, chat_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?);`,
		m.MessageID, m.ChatID, m.SenderID, m.Content, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// Messages returns a chat's messages in append order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	rows, err := s.q.QueryContext(
		ctx,
		`SELECT id, chat_id, sender_id, content, created_at FROM chat_messages WHERE chat_id = ? ORDER BY seq ASC;`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.ChatMessage{}
	for rows.Next() {
		var (
			m         model.ChatMessage
			createdAt string
		)
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.SenderID, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

// Cleanup expires stale state as of now. Pending waves created before
// waveCutoff become expired.
func (s *Store) Cleanup(ctx context.Context, now, waveCutoff time.Time) (model.CleanupReport, error) {
	report := model.CleanupReport{CleanedAt: now}
	ts := formatTime(now)

	steps := []struct {
		name  string
		query string
		arg   string
		dst   *int64
	}{
		{"presence", `DELETE FROM presence WHERE expires_at < ?;`, ts, &report.PresenceDeleted},
		{"beacons", `UPDATE beacons SET is_active = 0 WHERE expires_at < ? AND is_active = 1;`, ts, &report.BeaconsExpired},
		{"chats", `UPDATE chats SET is_active = 0 WHERE expires_at < ? AND is_active = 1;`, ts, &report.ChatsExpired},
		{"waves", `UPDATE waves SET status = 'expired' WHERE created_at < ? AND status = 'pending';`, formatTime(waveCutoff), &report.WavesExpired},
	}
	for _, step := range steps {
		res, err := s.q.ExecContext(ctx, step.query, step.arg)
		if err != nil {
			return report, fmt.Errorf("cleanup %s: %w", step.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return report, fmt.Errorf("cleanup %s: %w", step.name, err)
		}
		*step.dst = n
	}
	return report, nil
}
