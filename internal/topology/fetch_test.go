package topology

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/netutil"
	"github.com/downtoearthtw/proxy-aggregator/internal/subscription"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSourceFetcher_FetchAllKeepsSourceOrderAndIsolatesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("trojan://p@slow.example.com:443#slow\n"))
	})
	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		blob := base64.StdEncoding.EncodeToString([]byte("vless://u@fast.example.com:443#fast\nvmess://broken\n"))
		_, _ = w.Write([]byte(blob))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewSourceFetcher(FetcherConfig{
		Downloader: netutil.NewDirectDownloader(time.Second, "test"),
		Logger:     quietLogger(),
	})
	sources := []subscription.Source{
		{Name: "slow", URL: srv.URL + "/slow", Type: subscription.SourceMixed, Priority: 5, Enabled: true},
		{Name: "off", URL: srv.URL + "/slow", Type: subscription.SourceMixed, Priority: 1, Enabled: false},
		{Name: "down", URL: srv.URL + "/down", Type: subscription.SourceMixed, Priority: 1, Enabled: true},
		{Name: "fast", URL: srv.URL + "/fast", Type: subscription.SourceBase64, Priority: 2, Enabled: true},
	}

	batches := f.FetchAll(context.Background(), sources)
	if len(batches) != 3 {
		t.Fatalf("expected 3 enabled batches, got %d", len(batches))
	}
	if batches[0].Source.Name != "slow" || batches[1].Source.Name != "down" || batches[2].Source.Name != "fast" {
		t.Fatalf("batches not in source order: %s, %s, %s",
			batches[0].Source.Name, batches[1].Source.Name, batches[2].Source.Name)
	}
	if batches[1].Err == nil || len(batches[1].Descriptors) != 0 {
		t.Fatalf("failed source should carry an error and no descriptors: %+v", batches[1])
	}
	if len(batches[0].Descriptors) != 1 || batches[0].Descriptors[0].Source != "slow" {
		t.Fatalf("slow batch: %+v", batches[0].Descriptors)
	}
	if len(batches[2].Descriptors) != 1 || batches[2].Malformed != 1 {
		t.Fatalf("fast batch: descriptors=%d malformed=%d", len(batches[2].Descriptors), batches[2].Malformed)
	}

	merged := MergeBatches(batches)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged descriptors, got %d", len(merged))
	}
	if merged[0].Address != "fast.example.com" || merged[1].Address != "slow.example.com" {
		t.Fatalf("merged order by priority: %+v", merged)
	}
}

func TestSourceFetcher_AllSourcesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewSourceFetcher(FetcherConfig{
		Downloader: netutil.NewDirectDownloader(time.Second, ""),
		Logger:     quietLogger(),
	})
	batches := f.FetchAll(context.Background(), []subscription.Source{
		{Name: "a", URL: srv.URL, Enabled: true},
		{Name: "b", URL: srv.URL, Enabled: true},
	})
	if got := MergeBatches(batches); len(got) != 0 {
		t.Fatalf("expected empty merge, got %d", len(got))
	}
}
