package provider

import (
	"fmt"
	"time"
)

// Address is a mail participant as the provider reports it.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Raw     string `json:"raw"`
}

// AttachmentRecord describes one attachment of a message. The provider can
// omit the id, in which case the attachment cannot be stored.
type AttachmentRecord struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MimeType        string `json:"mimeType"`
	Size            int64  `json:"size"`
	Inline          bool   `json:"inline"`
	ContentID       string `json:"contentId"`
	ContentLocation string `json:"contentLocation"`
	Content         string `json:"content"`
}

// MessageRecord is one raw message from the provider's change stream.
type MessageRecord struct {
	ID                string             `json:"id"`
	ThreadID          string             `json:"threadId"`
	CreatedTime       time.Time          `json:"createdTime"`
	LastModifiedTime  time.Time          `json:"lastModifiedTime"`
	SentAt            time.Time          `json:"sentAt"`
	ReceivedAt        time.Time          `json:"receivedAt"`
	InternetMessageID string             `json:"internetMessageId"`
	Subject           string             `json:"subject"`
	SysLabels         []string           `json:"sysLabels"`
	Keywords          []string           `json:"keywords"`
	From              Address            `json:"from"`
	To                []Address          `json:"to"`
	Cc                []Address          `json:"cc"`
	Bcc               []Address          `json:"bcc"`
	ReplyTo           []Address          `json:"replyTo"`
	HasAttachments    bool               `json:"hasAttachments"`
	Body              string             `json:"body"`
	BodySnippet       string             `json:"bodySnippet"`
	Attachments       []AttachmentRecord `json:"attachments"`
	InReplyTo         string             `json:"inReplyTo"`
	References        string             `json:"references"`
	FolderID          string             `json:"folderId"`
}

// Validate rejects records that cannot be reconciled. The provider's change
// feed is loosely shaped, so malformed entries are filtered here at the
// boundary instead of deep inside the reconciler.
func (r *MessageRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record missing message id")
	}
	if r.ThreadID == "" {
		return fmt.Errorf("record %s missing thread id", r.ID)
	}
	if r.From.Address == "" {
		return fmt.Errorf("record %s missing from address", r.ID)
	}
	return nil
}

// SyncJob is the state of a provider-side sync job.
type SyncJob struct {
	Ready  bool   `json:"ready"`
	Cursor string `json:"syncUpdatedToken"`
}

// ChangeQuery selects where a change fetch starts. Exactly one of Cursor or
// PageToken must be set: a cursor opens a new delta query, a page token
// continues one already in flight.
type ChangeQuery struct {
	Cursor    string
	PageToken string
}

// ChangePage is one page of the provider's change stream.
type ChangePage struct {
	Records       []MessageRecord `json:"records"`
	NextCursor    string          `json:"nextDeltaToken"`
	NextPageToken string          `json:"nextPageToken"`
}

// OutgoingMessage is a message to send through the provider.
type OutgoingMessage struct {
	From       Address   `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	InReplyTo  string    `json:"inReplyTo,omitempty"`
	ThreadID   string    `json:"threadId,omitempty"`
	References string    `json:"references,omitempty"`
	To         []Address `json:"to"`
	Cc         []Address `json:"cc,omitempty"`
	Bcc        []Address `json:"bcc,omitempty"`
	ReplyTo    []Address `json:"replyTo,omitempty"`
}

// SendResult carries the provider ids assigned to a sent message.
type SendResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// AccountDetails is the provider's view of the authorized mailbox.
type AccountDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TokenGrant is the result of exchanging an authorization code.
type TokenGrant struct {
	AccountID   int64  `json:"accountId"`
	AccessToken string `json:"accessToken"`
}
