// Package geoip provides offline IP metadata from local databases: a
// sing-geoip country database and an optional MaxMind ASN database.
package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
	sgGeoip "github.com/sagernet/sing-box/common/geoip"
	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/netutil"
)

// GeoReader abstracts the country database reader.
type GeoReader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// OpenFunc opens a country database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

type noOpReader struct{}

func (noOpReader) Lookup(_ netip.Addr) string { return "" }
func (noOpReader) Close() error               { return nil }

// NoOpOpen returns a reader that knows no countries.
func NoOpOpen(_ string) (GeoReader, error) { return noOpReader{}, nil }

// SingBoxOpen opens a sing-geoip mmdb database using sing-box's geoip.Reader.
func SingBoxOpen(path string) (GeoReader, error) {
	reader, _, err := sgGeoip.Open(path)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

// ASNRecord is the autonomous system an address belongs to.
type ASNRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// ASNReader abstracts the ASN database reader.
type ASNReader interface {
	LookupASN(ip netip.Addr) (ASNRecord, bool)
	Close() error
}

type maxmindASNReader struct {
	r *maxminddb.Reader
}

// MaxMindASNOpen opens a GeoLite2-ASN compatible database.
func MaxMindASNOpen(path string) (ASNReader, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &maxmindASNReader{r: r}, nil
}

func (m *maxmindASNReader) LookupASN(ip netip.Addr) (ASNRecord, bool) {
	var rec ASNRecord
	if err := m.r.Lookup(net.IP(ip.AsSlice()), &rec); err != nil || rec.Number == 0 {
		return ASNRecord{}, false
	}
	return rec, true
}

func (m *maxmindASNReader) Close() error { return m.r.Close() }

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	CacheDir       string   // directory where geoip.db is stored
	DBFilename     string   // default "geoip.db"
	ASNPath        string   // optional ASN database path
	UpdateSchedule string   // cron expression, empty disables refresh
	OpenDB         OpenFunc // defaults to SingBoxOpen
	OpenASN        func(path string) (ASNReader, error)
	Downloader     netutil.Downloader // used to fetch releases
}

// ReleaseAPIURL is the GitHub API endpoint for the latest sing-geoip release.
const ReleaseAPIURL = "https://api.github.com/repos/SagerNet/sing-geoip/releases/latest"

// Service provides country and ASN lookups with hot-reloading via RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader GeoReader // nil until first load
	asn    ASNReader

	cacheDir   string
	dbFilename string
	asnPath    string
	schedule   string
	openDB     OpenFunc
	openASN    func(path string) (ASNReader, error)
	downloader netutil.Downloader
	cron       *cron.Cron
	updateMu   sync.Mutex
	log        logrus.FieldLogger
}

// NewService creates a new GeoIP service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.DBFilename == "" {
		cfg.DBFilename = "geoip.db"
	}
	if cfg.OpenDB == nil {
		cfg.OpenDB = SingBoxOpen
	}
	if cfg.OpenASN == nil {
		cfg.OpenASN = MaxMindASNOpen
	}
	return &Service{
		cacheDir:   cfg.CacheDir,
		dbFilename: cfg.DBFilename,
		asnPath:    cfg.ASNPath,
		schedule:   cfg.UpdateSchedule,
		openDB:     cfg.OpenDB,
		openASN:    cfg.OpenASN,
		downloader: cfg.Downloader,
		log:        logrus.WithField("component", "geoip"),
	}
}

// Start loads the local databases, downloading the country database first
// when it is missing, and starts the refresh schedule if one is configured.
func (s *Service) Start(ctx context.Context) error {
	dbPath := s.dbPath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		s.log.Info("no local country database found, downloading")
		if err := s.UpdateNow(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("geoip: stat db %s: %w", dbPath, err)
	} else if err := s.reloadReader(dbPath); err != nil {
		return err
	}

	if s.asnPath != "" {
		r, err := s.openASN(s.asnPath)
		if err != nil {
			return fmt.Errorf("geoip: open asn db %s: %w", s.asnPath, err)
		}
		s.mu.Lock()
		s.asn = r
		s.mu.Unlock()
	}

	if s.schedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.schedule, func() {
			if err := s.UpdateNow(context.Background()); err != nil {
				s.log.WithError(err).Warn("scheduled update failed")
			}
		}); err != nil {
			return fmt.Errorf("geoip: invalid cron expression %q: %w", s.schedule, err)
		}
		s.cron.Start()
	}
	return nil
}

// Stop stops the refresh schedule and closes the readers.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	r, a := s.reader, s.asn
	s.reader, s.asn = nil, nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
	if a != nil {
		a.Close()
	}
}

// Lookup returns the country code for the given IP address.
func (s *Service) Lookup(ip netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	return s.reader.Lookup(ip)
}

// LookupASN returns the autonomous system for the given IP address.
func (s *Service) LookupASN(ip netip.Addr) (ASNRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.asn == nil {
		return ASNRecord{}, false
	}
	return s.asn.LookupASN(ip)
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type releaseInfo struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

// UpdateNow downloads the latest country database, verifies SHA256,
// atomically replaces the local file, and hot-reloads the reader.
func (s *Service) UpdateNow(ctx context.Context) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}

	releaseBody, err := s.downloader.Download(ctx, ReleaseAPIURL)
	if err != nil {
		return fmt.Errorf("geoip: fetch release info: %w", err)
	}
	var release releaseInfo
	if err := json.Unmarshal(releaseBody, &release); err != nil {
		return fmt.Errorf("geoip: parse release info: %w", err)
	}

	dbURL, sha256URL := "", ""
	for _, a := range release.Assets {
		switch a.Name {
		case s.dbFilename:
			dbURL = a.BrowserDownloadURL
		case s.dbFilename + ".sha256sum":
			sha256URL = a.BrowserDownloadURL
		}
	}
	if dbURL == "" {
		return fmt.Errorf("geoip: asset %q not found in release %s", s.dbFilename, release.TagName)
	}
	if sha256URL == "" {
		return fmt.Errorf("geoip: sha256sum asset for %q not found in release %s", s.dbFilename, release.TagName)
	}

	dbData, err := s.downloader.Download(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("geoip: download db: %w", err)
	}
	sha256Body, err := s.downloader.Download(ctx, sha256URL)
	if err != nil {
		return fmt.Errorf("geoip: download sha256: %w", err)
	}
	expected := parseSHA256Sum(string(sha256Body))
	if expected == "" {
		return fmt.Errorf("geoip: could not parse sha256sum from %q", string(sha256Body))
	}
	if got := sha256Hex(dbData); got != expected {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", got, expected)
	}

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("geoip: create cache dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(s.cacheDir, s.dbFilename+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoip: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op once renamed
	if _, err := tmpFile.Write(dbData); err != nil {
		tmpFile.Close()
		return fmt.Errorf("geoip: write temp: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.dbPath()); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}
	s.log.WithField("release", release.TagName).Info("country database updated")
	return s.reloadReader(s.dbPath())
}

func (s *Service) dbPath() string {
	return filepath.Join(s.cacheDir, s.dbFilename)
}

// reloadReader atomically replaces the current reader with a new one.
func (s *Service) reloadReader(path string) error {
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// parseSHA256Sum extracts the hex hash from a "<hash>  <filename>" formatted string.
func parseSHA256Sum(s string) string {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) >= 1 && len(parts[0]) == 64 {
		return strings.ToLower(parts[0])
	}
	return ""
}
