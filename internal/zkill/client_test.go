package zkill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrack/killfeed/internal/model"
	"github.com/evetrack/killfeed/internal/resilience"
)

func fastClient(baseURL string) Client {
	return NewClient("killfeed-test", WithBaseURL(baseURL),
		WithMinInterval(time.Microsecond),
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}),
	)
}

func TestFeedQuery_Path(t *testing.T) {
	tests := []struct {
		name string
		q    FeedQuery
		want string
	}{
		{
			"relative mode",
			FeedQuery{Kind: model.KindAlliance, ID: 99003581, PastSeconds: 3600, Page: 2},
			"/allianceID/99003581/pastSeconds/3600/page/2/",
		},
		{
			"calendar mode",
			FeedQuery{Kind: model.KindCorporation, ID: 98000001, Year: 2026, Month: time.February, Page: 1},
			"/corporationID/98000001/year/2026/month/2/page/1/",
		},
		{
			"page defaults to one",
			FeedQuery{Kind: model.KindCharacter, ID: 90000001, PastSeconds: 60},
			"/characterID/90000001/pastSeconds/60/page/1/",
		},
		{
			"system without window",
			FeedQuery{Kind: model.KindSystem, ID: 30000142, Page: 3},
			"/systemID/30000142/page/3/",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.path())
		})
	}
}

func TestFetchPage_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/allianceID/99003581/pastSeconds/3600/page/1/", r.URL.Path)
		assert.Equal(t, "killfeed-test", r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"killmail_id":128000001,"zkb":{"hash":"abc","totalValue":5000000}}]`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	kms, err := client.FetchPage(context.Background(), FeedQuery{
		Kind: model.KindAlliance, ID: 99003581, PastSeconds: 3600, Page: 1,
	})

	require.NoError(t, err)
	require.Len(t, kms, 1)
	assert.Equal(t, int64(128000001), kms[0].KillmailID)
	assert.Equal(t, "abc", kms[0].Hash())
}

func TestFetchPage_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	kms, err := client.FetchPage(context.Background(), FeedQuery{
		Kind: model.KindAlliance, ID: 1, PastSeconds: 60,
	})

	require.NoError(t, err)
	assert.Empty(t, kms)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPage_NonListPayloadIsProtocolError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// The feed reports errors as an object, not a list.
		w.Write([]byte(`{"error":"invalid query"}`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	_, err := client.FetchPage(context.Background(), FeedQuery{
		Kind: model.KindAlliance, ID: 1, PastSeconds: 60,
	})

	require.Error(t, err)
	assert.Equal(t, resilience.KindProtocol, resilience.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "protocol errors are never retried")
}

func TestFetchPage_UnexpectedStatusIsProtocolError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	_, err := client.FetchPage(context.Background(), FeedQuery{
		Kind: model.KindAlliance, ID: 1, PastSeconds: 60,
	})

	require.Error(t, err)
	assert.Equal(t, resilience.KindProtocol, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "403")
}

func TestFetchPage_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	_, err := client.FetchPage(context.Background(), FeedQuery{
		Kind: model.KindAlliance, ID: 1, PastSeconds: 60,
	})

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchKillmail_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/killID/128000001/", r.URL.Path)
		w.Write([]byte(`[{"killmail_id":128000001,"zkb":{"hash":"abc"}}]`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	km, err := client.FetchKillmail(context.Background(), 128000001)

	require.NoError(t, err)
	assert.Equal(t, int64(128000001), km.KillmailID)
}

func TestFetchKillmail_NotFoundIsIncomplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := fastClient(srv.URL)
	_, err := client.FetchKillmail(context.Background(), 42)

	require.Error(t, err)
	assert.Equal(t, resilience.KindIncomplete, resilience.KindOf(err))
}
