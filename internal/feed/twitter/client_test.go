package twitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "VCMilei/internal/errors"
)

func newTestClient(t *testing.T, srv *httptest.Server, dryRun bool) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:     srv.URL,
		BearerToken: "token",
		Username:    "@vcmilei",
		PostDelay:   time.Millisecond,
		DryRun:      dryRun,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func TestFetchRecentAttachesUsernames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets/search/recent" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("unexpected auth header %q", got)
		}
		q := r.URL.Query()
		if q.Get("query") != "@vcmilei" || q.Get("sort_order") != "recency" || q.Get("max_results") != "10" {
			t.Fatalf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{
			"data":[
				{"id":"3","text":"hola @vcmilei","author_id":"u1","created_at":"2024-05-01T10:00:00Z"},
				{"id":"2","text":"second","author_id":"u2","created_at":"2024-05-01T09:00:00Z"},
				{"id":"1","text":"first","author_id":"u1","created_at":"2024-05-01T08:00:00Z"}
			],
			"includes":{"users":[{"id":"u1","username":"alice"},{"id":"u2","username":"bob"}]}
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	tweets, err := client.FetchRecent(context.Background(), "@vcmilei", 2, ModeLatest)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(tweets) != 2 {
		t.Fatalf("expected limit to be applied, got %d tweets", len(tweets))
	}
	if tweets[0].Username != "alice" || tweets[1].Username != "bob" {
		t.Fatalf("usernames not attached: %+v", tweets)
	}
	if tweets[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be decoded")
	}
}

func TestFetchRecentTopMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sort_order"); got != "relevancy" {
			t.Fatalf("expected relevancy ordering, got %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	if _, err := client.FetchRecent(context.Background(), "bitcoin", 50, ModeTop); err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
}

func TestReplyPostsInReplyTo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2/tweets" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Text  string `json:"text"`
			Reply struct {
				ID string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Reply.ID != "42" {
			t.Fatalf("expected reply to 42, got %q", body.Reply.ID)
		}
		if len([]rune(body.Text)) > MaxTweetLength {
			t.Fatalf("reply was not truncated: %d runes", len([]rune(body.Text)))
		}
		_, _ = w.Write([]byte(`{"data":{"id":"100","text":"ok"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	id, err := client.Reply(context.Background(), strings.Repeat("palabra ", 60), "42")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if id != "100" {
		t.Fatalf("expected id 100, got %q", id)
	}
}

func TestPostThreadChainsReplies(t *testing.T) {
	var (
		calls   atomic.Int32
		mu      sync.Mutex
		replies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var body struct {
			Reply *struct {
				ID string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		defer mu.Unlock()
		if body.Reply == nil {
			replies = append(replies, "")
		} else {
			replies = append(replies, body.Reply.ID)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"t` + string(rune('0'+n)) + `"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	last, err := client.PostThread(context.Background(), []string{"uno", "", "dos", "tres"})
	if err != nil {
		t.Fatalf("PostThread: %v", err)
	}
	if last != "t3" {
		t.Fatalf("expected last id t3, got %q", last)
	}
	want := []string{"", "t1", "t2"}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(replies, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected reply chain %v", replies)
	}
}

func TestDryRunDoesNotPost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, true)
	id, err := client.Reply(context.Background(), "hola", "1")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if id != "" || calls.Load() != 0 {
		t.Fatalf("dry run must not hit the API (id=%q calls=%d)", id, calls.Load())
	}
}

func TestLookupUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/users/by/username/jmilei" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"title":"Not Found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"id":"9","username":"jmilei","name":"Javier","verified":true,
			"created_at":"2015-01-01T00:00:00Z",
			"public_metrics":{"followers_count":1200,"following_count":10,"tweet_count":5000,"listed_count":3}}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	profile, err := client.LookupUser(context.Background(), "@jmilei")
	if err != nil {
		t.Fatalf("LookupUser: %v", err)
	}
	if profile.Followers != 1200 || profile.Tweets != 5000 || !profile.Verified {
		t.Fatalf("unexpected profile %+v", profile)
	}

	_, err = client.LookupUser(context.Background(), "ghost")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, false)
	_, err := client.FetchRecent(context.Background(), "x", 10, ModeLatest)
	if xerrors.CodeOf(err) != xerrors.CodeTransport || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMentionFeedSkipsOwnTweets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data":[
				{"id":"2","text":"reply","author_id":"me","created_at":"2024-05-01T10:00:00Z"},
				{"id":"1","text":"@vcmilei hi","author_id":"u1","created_at":"2024-05-01T09:00:00Z"}
			],
			"includes":{"users":[{"id":"me","username":"VCMilei"},{"id":"u1","username":"alice"}]}
		}`))
	}))
	defer srv.Close()

	feed, err := NewMentionFeed(newTestClient(t, srv, false))
	if err != nil {
		t.Fatalf("NewMentionFeed: %v", err)
	}
	items, err := feed.FetchRecent(context.Background(), 20)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(items) != 1 || items[0].ID != "1" || items[0].Author != "alice" {
		t.Fatalf("unexpected items %+v", items)
	}
}
