package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusmail/mail-sync-infra/internal/provider"
	"github.com/nimbusmail/mail-sync-infra/internal/store"
)

// Reconciler merges batches of provider records into the local entity graph.
// Reconciling the same batch twice produces the same end state: every write
// is an upsert keyed by the provider's natural ids.
type Reconciler struct {
	store       *store.Store
	concurrency int

	locksMu     sync.Mutex
	threadLocks map[string]*sync.Mutex
}

// New creates a reconciler. concurrency bounds how many records are upserted
// at once; values below 1 fall back to 10.
func New(s *store.Store, concurrency int) *Reconciler {
	if concurrency < 1 {
		concurrency = 10
	}
	return &Reconciler{
		store:       s,
		concurrency: concurrency,
		threadLocks: make(map[string]*sync.Mutex),
	}
}

// Result summarizes one reconciliation batch.
type Result struct {
	Processed int
	Failed    int
}

// Reconcile upserts every record in the batch. A failure on one record is
// logged and does not abort the rest; partial-batch success is expected
// under the provider's eventual-consistency model.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string, records []provider.MessageRecord) *Result {
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := &Result{}

	for i := range records {
		rec := records[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := r.reconcileRecord(ctx, accountID, &rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("reconcile: record %s failed: %v", rec.ID, err)
				result.Failed++
				return
			}
			result.Processed++
		}()
	}

	wg.Wait()

	// Locks only serialize records within one batch; cycles for the same
	// account never overlap, so the pool is dropped instead of growing with
	// every thread the process has ever seen.
	r.locksMu.Lock()
	r.threadLocks = make(map[string]*sync.Mutex)
	r.locksMu.Unlock()

	return result
}

// ClassifyLabel derives the single label a message carries from its provider
// system labels: draft beats sent, everything else is inbox. The label is
// fixed at ingestion.
func ClassifyLabel(sysLabels []string) string {
	hasDraft, hasSent := false, false
	for _, l := range sysLabels {
		switch l {
		case "draft":
			hasDraft = true
		case "sent":
			hasSent = true
		}
	}
	if hasDraft {
		return "draft"
	}
	if hasSent {
		return "sent"
	}
	return "inbox"
}

// deriveFolder computes a thread's folder from its messages' labels, oldest
// first: draft if any draft, else inbox if any inbox, else sent.
func deriveFolder(labels []string) string {
	hasDraft, hasInbox := false, false
	for _, l := range labels {
		switch l {
		case "draft":
			hasDraft = true
		case "inbox":
			hasInbox = true
		}
	}
	if hasDraft {
		return "draft"
	}
	if hasInbox {
		return "inbox"
	}
	return "sent"
}

func (r *Reconciler) threadLock(threadID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		r.threadLocks[threadID] = l
	}
	return l
}

func (r *Reconciler) reconcileRecord(ctx context.Context, accountID string, rec *provider.MessageRecord) error {
	label := ClassifyLabel(rec.SysLabels)

	// Participants deduplicated by address string before the upserts.
	participants := make([]provider.Address, 0, 1+len(rec.To)+len(rec.Cc)+len(rec.Bcc)+len(rec.ReplyTo))
	seen := make(map[string]bool)
	all := append([]provider.Address{rec.From}, rec.To...)
	all = append(all, rec.Cc...)
	all = append(all, rec.Bcc...)
	all = append(all, rec.ReplyTo...)
	for _, a := range all {
		if a.Address == "" || seen[a.Address] {
			continue
		}
		seen[a.Address] = true
		participants = append(participants, a)
	}

	addressIDs := make(map[string]int64, len(participants))
	for _, a := range participants {
		id, err := r.store.UpsertEmailAddress(ctx, accountID, a.Address, a.Name, a.Raw)
		if err != nil {
			log.Printf("reconcile: upsert address %s failed: %v", a.Address, err)
			continue
		}
		addressIDs[a.Address] = id
	}

	// The from address was just upserted, so this only fires on a storage
	// failure above. The record is skipped, not the batch.
	fromID, ok := addressIDs[rec.From.Address]
	if !ok {
		return fmt.Errorf("from address %s not resolved", rec.From.Address)
	}

	resolve := func(addrs []provider.Address) []int64 {
		ids := make([]int64, 0, len(addrs))
		for _, a := range addrs {
			if id, ok := addressIDs[a.Address]; ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	recipients := store.Recipients{
		To:      resolve(rec.To),
		Cc:      resolve(rec.Cc),
		Bcc:     resolve(rec.Bcc),
		ReplyTo: resolve(rec.ReplyTo),
	}

	// Everything touching the thread row is serialized per thread id so the
	// folder flag recompute never races another upsert in the same thread.
	lock := r.threadLock(rec.ThreadID)
	lock.Lock()
	err := r.upsertThreadAndMessage(ctx, accountID, rec, label, fromID, recipients, addressIDs)
	lock.Unlock()
	if err != nil {
		return err
	}

	for _, att := range rec.Attachments {
		if att.ID == "" {
			log.Printf("reconcile: attachment id missing for message %s, skipping", rec.ID)
			continue
		}
		a := &store.Attachment{
			ID:              att.ID,
			MessageID:       rec.ID,
			Name:            att.Name,
			MimeType:        att.MimeType,
			Size:            att.Size,
			Inline:          att.Inline,
			ContentID:       att.ContentID,
			ContentLocation: att.ContentLocation,
		}
		if err := r.store.UpsertAttachment(ctx, a); err != nil {
			log.Printf("reconcile: upsert attachment %s failed: %v", att.ID, err)
		}
	}

	return nil
}

func (r *Reconciler) upsertThreadAndMessage(ctx context.Context, accountID string, rec *provider.MessageRecord, label string, fromID int64, recipients store.Recipients, addressIDs map[string]int64) error {
	// Thread participants are the union across all of its messages.
	participantSet := make(map[int64]bool, len(addressIDs))
	for _, id := range addressIDs {
		participantSet[id] = true
	}

	exists, err := r.store.ThreadExists(ctx, rec.ThreadID)
	if err != nil {
		return err
	}
	if exists {
		prev, err := r.store.GetThread(ctx, rec.ThreadID)
		if err != nil {
			return err
		}
		for _, id := range prev.ParticipantIDs {
			participantSet[id] = true
		}
	}
	participantIDs := make([]int64, 0, len(participantSet))
	for id := range participantSet {
		participantIDs = append(participantIDs, id)
	}
	sort.Slice(participantIDs, func(i, j int) bool { return participantIDs[i] < participantIDs[j] })

	thread := &store.Thread{
		ID:              rec.ThreadID,
		AccountID:       accountID,
		Subject:         rec.Subject,
		LastMessageDate: rec.SentAt,
		InboxStatus:     label == "inbox",
		DraftStatus:     label == "draft",
		SentStatus:      label == "sent",
		ParticipantIDs:  participantIDs,
	}
	if err := r.store.UpsertThread(ctx, thread); err != nil {
		return err
	}

	msg := &store.Message{
		ID:                rec.ID,
		AccountID:         accountID,
		ThreadID:          rec.ThreadID,
		FromAddressID:     fromID,
		EmailLabel:        label,
		Subject:           rec.Subject,
		Body:              rec.Body,
		BodySnippet:       rec.BodySnippet,
		InternetMessageID: rec.InternetMessageID,
		SysLabels:         rec.SysLabels,
		Keywords:          rec.Keywords,
		HasAttachments:    rec.HasAttachments,
		InReplyTo:         rec.InReplyTo,
		References:        rec.References,
		FolderID:          rec.FolderID,
		CreatedTime:       rec.CreatedTime,
		SentAt:            rec.SentAt,
		ReceivedAt:        rec.ReceivedAt,
		LastModifiedTime:  time.Now(),
	}

	// Message upsert, recipient replacement, and the outbox event share one
	// transaction: the event stream never references a message that was not
	// committed.
	event := map[string]interface{}{
		"event_id":   uuid.NewString(),
		"ts":         time.Now().Unix(),
		"account_id": accountID,
		"message_id": rec.ID,
		"thread_id":  rec.ThreadID,
		"subject":    rec.Subject,
		"label":      label,
		"sent_at":    rec.SentAt.Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	natsSubject := fmt.Sprintf("account.%s.mail.reconciled", accountID)
	msgID := fmt.Sprintf("mail.reconciled|%s|%s", accountID, rec.ID)

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := r.store.UpsertMessageTx(ctx, tx, msg, recipients); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := r.store.AppendOutboxTx(ctx, tx, natsSubject, "mail.reconciled", payload, msgID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	// Re-derive the thread's folder from the full message set so the thread
	// always reflects its aggregate state.
	labels, err := r.store.ThreadMessageLabels(ctx, rec.ThreadID)
	if err != nil {
		return err
	}
	folder := deriveFolder(labels)
	return r.store.SetThreadFolderStatus(ctx, rec.ThreadID,
		folder == "inbox", folder == "draft", folder == "sent")
}
