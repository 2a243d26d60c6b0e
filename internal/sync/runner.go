package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	natsjs "github.com/nimbusmail/mail-sync-infra/internal/nats"
	"github.com/nimbusmail/mail-sync-infra/internal/provider"
	"github.com/nimbusmail/mail-sync-infra/internal/reconcile"
	"github.com/nimbusmail/mail-sync-infra/internal/search"
	"github.com/nimbusmail/mail-sync-infra/internal/store"
)

// ErrNeverSynced means an incremental sync was requested for an account that
// has no stored cursor. The account must go through an initial sync first.
var ErrNeverSynced = errors.New("account has no sync cursor")

// ErrSyncNotReady means the provider-side sync job did not become ready
// within the bounded poll window.
var ErrSyncNotReady = errors.New("provider sync job not ready after retries")

const (
	readyPollInitialDelay = time.Second
	readyPollMaxDelay     = 10 * time.Second
	defaultReadyPollMax   = 30
)

// Runner executes one sync cycle for one account: fetch changes from the
// provider, index and reconcile them, and persist the new cursor. Cycle
// failures leave the previously persisted cursor untouched.
type Runner struct {
	Store      *store.Store
	Sources    SourceFactory
	Embedder   Embedder
	Reconciler *reconcile.Reconciler
	Publisher  *natsjs.Publisher // optional, nil disables event dispatch

	WindowDays   int
	BodyFormat   string
	ReadyPollMax int
}

// Initial runs the full first sync for an account: start the provider-side
// job, wait for it with bounded polling, drain every page, then reconcile,
// index and persist the final cursor.
func (r *Runner) Initial(ctx context.Context, accountID string) error {
	account, err := r.Store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if err := r.Store.UpdateSyncStatus(ctx, accountID, "SYNCING", ""); err != nil {
		log.Printf("sync: update status: %v", err)
	}

	src := r.Sources(ctx, account.AccessToken)

	job, err := r.awaitReady(ctx, src)
	if err != nil {
		_ = r.Store.UpdateSyncStatus(ctx, accountID, "ERROR", err.Error())
		return err
	}

	records, cursor, err := r.collect(ctx, src, job.Cursor)
	if err != nil {
		_ = r.Store.UpdateSyncStatus(ctx, accountID, "ERROR", err.Error())
		return err
	}

	r.process(ctx, account, records)

	if err := r.Store.SaveCursor(ctx, accountID, cursor); err != nil {
		_ = r.Store.UpdateSyncStatus(ctx, accountID, "ERROR", err.Error())
		return err
	}
	if err := r.Store.UpdateSyncStatus(ctx, accountID, "SYNCED", ""); err != nil {
		log.Printf("sync: update status: %v", err)
	}

	log.Printf("sync: initial sync complete for account %s, %d records, cursor %s", accountID, len(records), cursor)
	return nil
}

// Incremental runs a delta sync seeded from the account's stored cursor.
// Accounts that were never fully synced fail immediately with ErrNeverSynced.
func (r *Runner) Incremental(ctx context.Context, accountID string) error {
	account, err := r.Store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.NextCursor == "" {
		return ErrNeverSynced
	}

	if err := r.Store.UpdateSyncStatus(ctx, accountID, "SYNCING", ""); err != nil {
		log.Printf("sync: update status: %v", err)
	}

	src := r.Sources(ctx, account.AccessToken)

	records, cursor, err := r.collect(ctx, src, account.NextCursor)
	if err != nil {
		_ = r.Store.UpdateSyncStatus(ctx, accountID, "ERROR", err.Error())
		return err
	}

	r.process(ctx, account, records)

	if err := r.Store.SaveCursor(ctx, accountID, cursor); err != nil {
		_ = r.Store.UpdateSyncStatus(ctx, accountID, "ERROR", err.Error())
		return err
	}
	if err := r.Store.UpdateSyncStatus(ctx, accountID, "SYNCED", ""); err != nil {
		log.Printf("sync: update status: %v", err)
	}

	if len(records) > 0 {
		log.Printf("sync: incremental sync for account %s, %d records, cursor %s", accountID, len(records), cursor)
	}
	return nil
}

// awaitReady polls the provider until the sync job is ready. The poll is
// bounded: after ReadyPollMax attempts with growing delay it gives up with
// ErrSyncNotReady instead of spinning forever.
func (r *Runner) awaitReady(ctx context.Context, src ChangeSource) (*provider.SyncJob, error) {
	maxPolls := r.ReadyPollMax
	if maxPolls <= 0 {
		maxPolls = defaultReadyPollMax
	}

	delay := readyPollInitialDelay
	for attempt := 0; attempt < maxPolls; attempt++ {
		job, err := src.StartSync(ctx, r.WindowDays, r.BodyFormat)
		if err != nil {
			return nil, fmt.Errorf("start sync: %w", err)
		}
		if job.Ready {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay = delay * 3 / 2
		if delay > readyPollMaxDelay {
			delay = readyPollMaxDelay
		}
	}

	return nil, ErrSyncNotReady
}

// collect pages through the change stream. The freshest cursor seen is
// retained even mid-pagination and never overwritten by a page that omits
// one, so the stored cursor can only move forward.
func (r *Runner) collect(ctx context.Context, src ChangeSource, seedCursor string) ([]provider.MessageRecord, string, error) {
	cursor := seedCursor

	page, rejected, err := src.FetchChanges(ctx, provider.ChangeQuery{Cursor: cursor})
	if err != nil {
		return nil, "", fmt.Errorf("fetch changes: %w", err)
	}
	logRejected(rejected)

	records := page.Records
	if page.NextCursor != "" {
		cursor = page.NextCursor
	}

	for page.NextPageToken != "" {
		page, rejected, err = src.FetchChanges(ctx, provider.ChangeQuery{PageToken: page.NextPageToken})
		if err != nil {
			return nil, "", fmt.Errorf("fetch changes page: %w", err)
		}
		logRejected(rejected)

		records = append(records, page.Records...)
		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
	}

	return records, cursor, nil
}

// process indexes and reconciles a batch of records. Indexing failures for a
// document are logged and leave that document unsearchable until a re-index;
// they never block the relational reconciliation.
func (r *Runner) process(ctx context.Context, account *store.Account, records []provider.MessageRecord) {
	if len(records) == 0 {
		return
	}

	indexer := search.NewIndexer(r.Store, account.ID)
	if err := indexer.Initialize(ctx); err != nil {
		log.Printf("sync: initialize index for account %s: %v", account.ID, err)
		indexer = nil
	}

	if indexer != nil {
		for i := range records {
			r.indexRecord(ctx, indexer, &records[i])
		}
	}

	result := r.Reconciler.Reconcile(ctx, account.ID, records)
	if result.Failed > 0 {
		log.Printf("sync: reconciled account %s: %d ok, %d failed", account.ID, result.Processed, result.Failed)
	}

	if r.Publisher != nil {
		r.dispatchOutbox(ctx)
	}
}

func (r *Runner) indexRecord(ctx context.Context, indexer *search.Indexer, rec *provider.MessageRecord) {
	raw := rec.Body
	if raw == "" {
		raw = rec.BodySnippet
	}
	body := search.PlainText(raw)

	vector, err := r.Embedder.Embed(ctx, body)
	if err != nil {
		log.Printf("sync: embed message %s: %v", rec.ID, err)
		return
	}

	to := make([]string, 0, len(rec.To))
	for _, a := range rec.To {
		to = append(to, a.Address)
	}

	doc := search.Document{
		ID:        rec.ID,
		Subject:   rec.Subject,
		Body:      body,
		RawBody:   rec.BodySnippet,
		From:      rec.From.Address,
		To:        to,
		SentAt:    rec.SentAt.Format(time.RFC3339),
		ThreadID:  rec.ThreadID,
		Embedding: vector,
	}
	if err := indexer.Insert(ctx, doc); err != nil {
		log.Printf("sync: index message %s: %v", rec.ID, err)
	}
}

// dispatchOutbox drains pending outbox events to NATS, one pass until empty.
func (r *Runner) dispatchOutbox(ctx context.Context) {
	if err := r.Publisher.EnsureStream(ctx); err != nil {
		log.Printf("sync: ensure stream: %v", err)
		return
	}

	for {
		messages, err := r.Store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("sync: dequeue outbox: %v", err)
			return
		}
		if len(messages) == 0 {
			return
		}

		for _, msg := range messages {
			if err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("sync: publish event %d: %v", msg.ID, err)
				_ = r.Store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := r.Store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("sync: mark published %d: %v", msg.ID, err)
			}
		}
	}
}

func logRejected(rejected []error) {
	for _, err := range rejected {
		log.Printf("sync: rejected record: %v", err)
	}
}
