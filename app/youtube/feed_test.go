package youtube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <yt:channelId>UCabc</yt:channelId>
 <title>Abc Channel</title>
 <entry>
  <id>yt:video:vid2</id>
  <yt:videoId>vid2</yt:videoId>
  <title>Second</title>
  <published>2024-06-01T12:00:00+00:00</published>
  <updated>2024-06-02T08:00:00+00:00</updated>
 </entry>
 <entry>
  <id>yt:video:vid1</id>
  <yt:videoId>vid1</yt:videoId>
  <title>First</title>
  <published>2024-05-30T09:30:00+00:00</published>
 </entry>
</feed>`

func newTestFeedChecker(t *testing.T, handler http.HandlerFunc) *FeedChecker {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fc := NewFeedChecker(srv.Client(), "tube-comb-test")
	fc.baseURL = srv.URL + "/feeds/videos.xml"
	return fc
}

func TestFeedCheckerLatestUpload(t *testing.T) {
	var gotChannel, gotAgent string
	fc := newTestFeedChecker(t, func(w http.ResponseWriter, r *http.Request) {
		gotChannel = r.URL.Query().Get("channel_id")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(sampleFeed))
	})

	latest, err := fc.LatestUpload(context.Background(), "UCabc")
	if err != nil {
		t.Fatalf("Expected feed to parse, got %v", err)
	}

	want := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if !latest.Equal(want) {
		t.Errorf("Expected latest %v, got %v", want, latest)
	}
	if gotChannel != "UCabc" {
		t.Errorf("Expected channel_id UCabc, got %q", gotChannel)
	}
	if gotAgent != "tube-comb-test" {
		t.Errorf("Expected user agent to be sent, got %q", gotAgent)
	}
}

func TestFeedCheckerEmptyFeed(t *testing.T) {
	fc := newTestFeedChecker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><title>Empty</title></feed>`))
	})

	latest, err := fc.LatestUpload(context.Background(), "UCempty")
	if err != nil {
		t.Fatalf("Expected empty feed to parse, got %v", err)
	}
	if !latest.IsZero() {
		t.Errorf("Expected zero time, got %v", latest)
	}
}

func TestFeedCheckerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"not a feed", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html><body>nope</body></html>"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newTestFeedChecker(t, tt.handler)
			if _, err := fc.LatestUpload(context.Background(), "UCabc"); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}
