package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EmailAddress is a participant row, unique per (account, address).
type EmailAddress struct {
	ID        int64
	AccountID string
	Address   string
	Name      string
	Raw       string
}

// Thread groups messages under the provider's thread id. The three status
// flags are derived from the labels of the thread's messages, never set
// independently.
type Thread struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	Subject         string    `json:"subject"`
	LastMessageDate time.Time `json:"lastMessageDate"`
	InboxStatus     bool      `json:"inboxStatus"`
	DraftStatus     bool      `json:"draftStatus"`
	SentStatus      bool      `json:"sentStatus"`
	ParticipantIDs  []int64   `json:"participantIds"`
}

// Message is one message row keyed by the provider's message id.
type Message struct {
	ID                string
	AccountID         string
	ThreadID          string
	FromAddressID     int64
	EmailLabel        string
	Subject           string
	Body              string
	BodySnippet       string
	InternetMessageID string
	SysLabels         []string
	Keywords          []string
	HasAttachments    bool
	InReplyTo         string
	References        string
	FolderID          string
	CreatedTime       time.Time
	SentAt            time.Time
	ReceivedAt        time.Time
	LastModifiedTime  time.Time
}

// Recipients holds the resolved address ids for each recipient kind. The
// sets replace whatever was stored before, they are not merged.
type Recipients struct {
	To      []int64
	Cc      []int64
	Bcc     []int64
	ReplyTo []int64
}

// Attachment is one attachment row keyed by the provider's attachment id.
type Attachment struct {
	ID              string
	MessageID       string
	Name            string
	MimeType        string
	Size            int64
	Inline          bool
	ContentID       string
	ContentLocation string
}

// UpsertEmailAddress inserts or refreshes an address row and returns its id.
func (s *Store) UpsertEmailAddress(ctx context.Context, accountID, address, name, raw string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO email_addresses (account_id, address, name, raw)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, address) DO UPDATE SET
			name = excluded.name,
			raw = excluded.raw
		RETURNING id
	`, accountID, address, name, raw).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert address %s: %w", address, err)
	}
	return id, nil
}

// UpsertThread inserts or updates a thread. The folder status flags are
// seeded only on first sight; updates leave them to the recompute step.
func (s *Store) UpsertThread(ctx context.Context, t *Thread) error {
	participants, err := json.Marshal(t.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO threads (id, account_id, subject, last_message_date, inbox_status, draft_status, sent_status, participant_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			last_message_date = excluded.last_message_date,
			participant_ids = excluded.participant_ids
	`, t.ID, t.AccountID, t.Subject, t.LastMessageDate.Unix(),
		boolToInt(t.InboxStatus), boolToInt(t.DraftStatus), boolToInt(t.SentStatus), string(participants))
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", t.ID, err)
	}
	return nil
}

// ThreadExists reports whether a thread row is already present.
func (s *Store) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check thread: %w", err)
	}
	return true, nil
}

// UpsertMessageTx upserts a message and replaces its recipient sets inside
// the given transaction, so the graph never shows a message with half of its
// recipients.
func (s *Store) UpsertMessageTx(ctx context.Context, tx *sql.Tx, m *Message, r Recipients) error {
	sysLabels, err := json.Marshal(m.SysLabels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	keywords, err := json.Marshal(m.Keywords)
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
			(id, account_id, thread_id, from_address_id, email_label, subject, body, body_snippet,
			 internet_message_id, sys_labels, keywords, has_attachments, in_reply_to, references_header,
			 folder_id, created_time, sent_at, received_at, last_modified_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			from_address_id = excluded.from_address_id,
			email_label = excluded.email_label,
			subject = excluded.subject,
			body = excluded.body,
			body_snippet = excluded.body_snippet,
			internet_message_id = excluded.internet_message_id,
			sys_labels = excluded.sys_labels,
			keywords = excluded.keywords,
			has_attachments = excluded.has_attachments,
			in_reply_to = excluded.in_reply_to,
			references_header = excluded.references_header,
			folder_id = excluded.folder_id,
			created_time = excluded.created_time,
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			last_modified_time = excluded.last_modified_time
	`, m.ID, m.AccountID, m.ThreadID, m.FromAddressID, m.EmailLabel, m.Subject, m.Body, m.BodySnippet,
		m.InternetMessageID, string(sysLabels), string(keywords), boolToInt(m.HasAttachments),
		m.InReplyTo, m.References, m.FolderID,
		m.CreatedTime.Unix(), m.SentAt.Unix(), m.ReceivedAt.Unix(), m.LastModifiedTime.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}

	// Recipient sets are replaced wholesale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_recipients WHERE message_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}
	for kind, ids := range map[string][]int64{"to": r.To, "cc": r.Cc, "bcc": r.Bcc, "reply_to": r.ReplyTo} {
		for _, addressID := range ids {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO message_recipients (message_id, address_id, kind) VALUES (?, ?, ?)
			`, m.ID, addressID, kind)
			if err != nil {
				return fmt.Errorf("failed to insert %s recipient: %w", kind, err)
			}
		}
	}

	return nil
}

// ThreadMessageLabels returns the labels of a thread's messages ordered by
// receipt time, oldest first. Input to the folder flag derivation.
func (s *Store) ThreadMessageLabels(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT email_label FROM messages WHERE thread_id = ? ORDER BY received_at ASC, id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// SetThreadFolderStatus stores the derived folder flags for a thread.
func (s *Store) SetThreadFolderStatus(ctx context.Context, threadID string, inbox, draft, sent bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE threads SET inbox_status = ?, draft_status = ?, sent_status = ? WHERE id = ?
	`, boolToInt(inbox), boolToInt(draft), boolToInt(sent), threadID)
	if err != nil {
		return fmt.Errorf("failed to set thread status: %w", err)
	}
	return nil
}

// UpsertAttachment inserts or updates an attachment keyed by provider id.
func (s *Store) UpsertAttachment(ctx context.Context, a *Attachment) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, name, mime_type, size, inline, content_id, content_location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			inline = excluded.inline,
			content_id = excluded.content_id,
			content_location = excluded.content_location
	`, a.ID, a.MessageID, a.Name, a.MimeType, a.Size, boolToInt(a.Inline), a.ContentID, a.ContentLocation)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment %s: %w", a.ID, err)
	}
	return nil
}

// GetThread loads one thread row.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	t := &Thread{}
	var subject sql.NullString
	var lastMessageDate sql.NullInt64
	var inbox, draft, sent int
	var participants string

	err := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, subject, last_message_date, inbox_status, draft_status, sent_status, participant_ids
		FROM threads WHERE id = ?
	`, threadID).Scan(&t.ID, &t.AccountID, &subject, &lastMessageDate, &inbox, &draft, &sent, &participants)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("thread %s not found", threadID)
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	t.Subject = subject.String
	t.LastMessageDate = time.Unix(lastMessageDate.Int64, 0)
	t.InboxStatus = inbox != 0
	t.DraftStatus = draft != 0
	t.SentStatus = sent != 0
	if err := json.Unmarshal([]byte(participants), &t.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return t, nil
}

// ListThreads returns an account's threads for one folder, newest first.
func (s *Store) ListThreads(ctx context.Context, accountID, folder string, limit int) ([]*Thread, error) {
	var statusColumn string
	switch folder {
	case "inbox":
		statusColumn = "inbox_status"
	case "draft":
		statusColumn = "draft_status"
	case "sent":
		statusColumn = "sent_status"
	default:
		return nil, fmt.Errorf("unknown folder %q", folder)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, subject, last_message_date, inbox_status, draft_status, sent_status, participant_ids
		FROM threads
		WHERE account_id = ? AND `+statusColumn+` = 1
		ORDER BY last_message_date DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t := &Thread{}
		var subject sql.NullString
		var lastMessageDate sql.NullInt64
		var inbox, draft, sent int
		var participants string

		if err := rows.Scan(&t.ID, &t.AccountID, &subject, &lastMessageDate, &inbox, &draft, &sent, &participants); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.Subject = subject.String
		t.LastMessageDate = time.Unix(lastMessageDate.Int64, 0)
		t.InboxStatus = inbox != 0
		t.DraftStatus = draft != 0
		t.SentStatus = sent != 0
		if err := json.Unmarshal([]byte(participants), &t.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("failed to decode participants: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CountMessages returns the number of messages stored for an account.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
