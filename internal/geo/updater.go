package geo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/support"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	countryEdition     = "GeoLite2-Country"
	userAgent          = "ipwarden-geolite-updater/1.0"
)

// ErrNoLicenseKey indicates that no MaxMind license key is configured.
var ErrNoLicenseKey = errors.New("geo: license key is not configured")

// Updater downloads the GeoLite2 country database and reloads the locator.
type Updater struct {
	LicenseKey  string
	DownloadURL string
	Client      *http.Client
	Locator     *MMDBLocator

	group singleflight.Group
}

func NewUpdater(licenseKey string, locator *MMDBLocator) *Updater {
	return &Updater{
		LicenseKey:  strings.TrimSpace(licenseKey),
		DownloadURL: maxMindDownloadURL,
		Client:      &http.Client{Timeout: 2 * time.Minute},
		Locator:     locator,
	}
}

// Update fetches the latest country edition into the locator's file and reloads it.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (interface{}, error) {
		if u.LicenseKey == "" {
			return nil, ErrNoLicenseKey
		}
		if u.Locator == nil {
			return nil, errors.New("geo: no mmdb locator to update")
		}
		if err := u.download(ctx, u.Locator.path); err != nil {
			return nil, err
		}
		if err := u.Locator.Reload(); err != nil {
			return nil, fmt.Errorf("reload mmdb: %w", err)
		}
		log.Info("GeoLite country database updated", "path", u.Locator.path)
		return nil, nil
	})
	return err
}

func (u *Updater) download(ctx context.Context, destPath string) error {
	url := fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", u.DownloadURL, countryEdition, u.LicenseKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", countryEdition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", countryEdition, err)
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(filepath.Base(header.Name), ".mmdb") {
			continue
		}
		if err := support.WriteFileAtomic(destPath, tarReader, 0o644); err != nil {
			return fmt.Errorf("%s: write file: %w", countryEdition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", countryEdition)
}
