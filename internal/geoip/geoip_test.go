package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type mockReader struct {
	country string
	closed  bool
	mu      sync.Mutex
}

func (m *mockReader) Lookup(_ netip.Addr) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.country
}

func (m *mockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type mockASN struct {
	rec ASNRecord
}

func (m mockASN) LookupASN(_ netip.Addr) (ASNRecord, bool) { return m.rec, m.rec.Number != 0 }
func (m mockASN) Close() error                             { return nil }

type mockDownloader struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     []string
}

func (d *mockDownloader) Download(_ context.Context, url string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, url)
	body, ok := d.responses[url]
	if !ok {
		return nil, fmt.Errorf("mock: not found: %s", url)
	}
	return body, nil
}

func releaseFixture(t *testing.T, db []byte, digest string) *mockDownloader {
	t.Helper()
	release := releaseInfo{
		TagName: "v20260101",
		Assets: []releaseAsset{
			{Name: "geoip.db", BrowserDownloadURL: "https://example.com/geoip.db"},
			{Name: "geoip.db.sha256sum", BrowserDownloadURL: "https://example.com/geoip.db.sha256sum"},
		},
	}
	releaseJSON, err := json.Marshal(release)
	if err != nil {
		t.Fatal(err)
	}
	return &mockDownloader{responses: map[string][]byte{
		ReleaseAPIURL:                            releaseJSON,
		"https://example.com/geoip.db":           db,
		"https://example.com/geoip.db.sha256sum": []byte(digest + "  geoip.db\n"),
	}}
}

func TestGeoIP_Lookup_NilReader(t *testing.T) {
	s := &Service{}
	if got := s.Lookup(netip.MustParseAddr("1.2.3.4")); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if _, ok := s.LookupASN(netip.MustParseAddr("1.2.3.4")); ok {
		t.Fatal("expected no ASN without a reader")
	}
}

func TestStart_LoadsExistingDatabases(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "geoip.db"), []byte("db"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewService(ServiceConfig{
		CacheDir: dir,
		ASNPath:  filepath.Join(dir, "asn.mmdb"),
		OpenDB:   func(string) (GeoReader, error) { return &mockReader{country: "de"}, nil },
		OpenASN: func(string) (ASNReader, error) {
			return mockASN{rec: ASNRecord{Number: 3320, Organization: "Deutsche Telekom AG"}}, nil
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	addr := netip.MustParseAddr("80.1.2.3")
	if got := s.Lookup(addr); got != "de" {
		t.Fatalf("country: got %q", got)
	}
	if rec, ok := s.LookupASN(addr); !ok || rec.Number != 3320 {
		t.Fatalf("asn: got %+v ok=%v", rec, ok)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "geoip.db"), []byte("db"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewService(ServiceConfig{CacheDir: dir, OpenDB: NoOpOpen, UpdateSchedule: "not a cron"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	s.Stop()
}

func TestUpdateNow_DownloadVerifyReload(t *testing.T) {
	dir := t.TempDir()
	dbContent := []byte("fake-geoip-database-content")
	sum := sha256.Sum256(dbContent)
	dl := releaseFixture(t, dbContent, hex.EncodeToString(sum[:]))

	var reloaded bool
	s := NewService(ServiceConfig{
		CacheDir:   dir,
		Downloader: dl,
		OpenDB: func(path string) (GeoReader, error) {
			reloaded = true
			return &mockReader{country: "us"}, nil
		},
	})

	if err := s.UpdateNow(context.Background()); err != nil {
		t.Fatalf("UpdateNow: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "geoip.db"))
	if err != nil {
		t.Fatalf("read db: %v", err)
	}
	if string(data) != string(dbContent) {
		t.Fatal("database content mismatch")
	}
	if !reloaded {
		t.Fatal("reader was not reloaded after download")
	}
	if got := s.Lookup(netip.MustParseAddr("1.2.3.4")); got != "us" {
		t.Fatalf("expected 'us', got %q", got)
	}
}

func TestUpdateNow_SHA256Mismatch_NoReplace(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "geoip.db")
	if err := os.WriteFile(dbPath, []byte("original-db"), 0o644); err != nil {
		t.Fatal(err)
	}
	dl := releaseFixture(t, []byte("tampered"), "0000000000000000000000000000000000000000000000000000000000000000")
	s := NewService(ServiceConfig{CacheDir: dir, Downloader: dl, OpenDB: NoOpOpen})

	if err := s.UpdateNow(context.Background()); err == nil {
		t.Fatal("expected sha256 mismatch error")
	}
	data, _ := os.ReadFile(dbPath)
	if string(data) != "original-db" {
		t.Fatalf("database should not be replaced, got %q", data)
	}
}

func TestUpdateNow_NoDownloader(t *testing.T) {
	s := NewService(ServiceConfig{CacheDir: t.TempDir(), OpenDB: NoOpOpen})
	if err := s.UpdateNow(context.Background()); err == nil {
		t.Fatal("expected error without downloader")
	}
}

func TestParseSHA256Sum(t *testing.T) {
	valid := "ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	if got := parseSHA256Sum(valid + "  geoip.db"); got != "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789" {
		t.Fatalf("got %q", got)
	}
	if got := parseSHA256Sum("short geoip.db"); got != "" {
		t.Fatalf("expected empty for malformed digest, got %q", got)
	}
}

type fakeLocator struct {
	country string
	asn     ASNRecord
}

func (f fakeLocator) Lookup(netip.Addr) string { return f.country }
func (f fakeLocator) LookupASN(netip.Addr) (ASNRecord, bool) {
	return f.asn, f.asn.Number != 0
}

func TestOfflineLookuper(t *testing.T) {
	l := OfflineLookuper{Locator: fakeLocator{country: "cn", asn: ASNRecord{Number: 4134, Organization: "Chinanet"}}}
	res, err := l.Lookup(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.CountryCode != "CN" || res.ASN != 4134 || res.Org != "Chinanet" || res.IsHosting {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := (OfflineLookuper{Locator: fakeLocator{}}).Lookup(context.Background(), "1.2.3.4"); err == nil {
		t.Fatal("expected error when no database knows the IP")
	}
	if _, err := l.Lookup(context.Background(), "not-an-ip"); err == nil {
		t.Fatal("expected parse error")
	}
}
