package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSync(t *testing.T) {
	var gotPath, gotDays, gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDays = r.URL.Query().Get("daysWithin")
		gotBody = r.URL.Query().Get("bodyType")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ready": true, "syncUpdatedToken": "seed-1"}`))
	}))
	defer srv.Close()

	client := NewClient(context.Background(), srv.URL, "tok-123")
	job, err := client.StartSync(context.Background(), 7, "html")
	require.NoError(t, err)

	assert.Equal(t, "/email/sync", gotPath)
	assert.Equal(t, "7", gotDays)
	assert.Equal(t, "html", gotBody)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.True(t, job.Ready)
	assert.Equal(t, "seed-1", job.Cursor)
}

func TestFetchChangesRequiresExactlyOneToken(t *testing.T) {
	client := NewClient(context.Background(), "http://unused", "tok")

	_, _, err := client.FetchChanges(context.Background(), ChangeQuery{})
	assert.Error(t, err)

	_, _, err = client.FetchChanges(context.Background(), ChangeQuery{Cursor: "c", PageToken: "p"})
	assert.Error(t, err)
}

func TestFetchChangesForwardsTokens(t *testing.T) {
	var gotDelta, gotPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDelta = r.URL.Query().Get("deltaToken")
		gotPage = r.URL.Query().Get("pageToken")
		w.Write([]byte(`{"records": [], "nextDeltaToken": "d2", "nextPageToken": "p2"}`))
	}))
	defer srv.Close()

	client := NewClient(context.Background(), srv.URL, "tok")

	page, rejected, err := client.FetchChanges(context.Background(), ChangeQuery{Cursor: "d1"})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, "d1", gotDelta)
	assert.Empty(t, gotPage)
	assert.Equal(t, "d2", page.NextCursor)
	assert.Equal(t, "p2", page.NextPageToken)

	_, _, err = client.FetchChanges(context.Background(), ChangeQuery{PageToken: "p2"})
	require.NoError(t, err)
	assert.Equal(t, "p2", gotPage)
}

func TestFetchChangesRejectsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"records": [
				{"id": "m1", "threadId": "t1", "from": {"address": "a@example.com"}},
				{"id": "m2", "threadId": "", "from": {"address": "b@example.com"}},
				{"id": "", "threadId": "t3", "from": {"address": "c@example.com"}}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient(context.Background(), srv.URL, "tok")
	page, rejected, err := client.FetchChanges(context.Background(), ChangeQuery{Cursor: "d1"})
	require.NoError(t, err)

	require.Len(t, page.Records, 1)
	assert.Equal(t, "m1", page.Records[0].ID)
	assert.Len(t, rejected, 2)
}

func TestAPIErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "internal"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(context.Background(), srv.URL, "tok")
	_, _, err := client.FetchChanges(context.Background(), ChangeQuery{Cursor: "d1"})
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable())
}

func TestAPIErrorPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(context.Background(), srv.URL, "tok")
	_, err := client.StartSync(context.Background(), 7, "html")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.False(t, apiErr.Retryable())
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/email/messages", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("returnIds"))
		w.Write([]byte(`{"id": "sent-1", "threadId": "t1"}`))
	}))
	defer srv.Close()

	client := NewClient(context.Background(), srv.URL, "tok")
	result, err := client.SendMessage(context.Background(), OutgoingMessage{
		From:    Address{Address: "me@example.com"},
		To:      []Address{{Address: "you@example.com"}},
		Subject: "hello",
		Body:    "<p>hi</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", result.ID)
	assert.Equal(t, "t1", result.ThreadID)
}
