package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/httpclient"
)

// DefaultArtifactsURL is the public bucket release artifacts are
// published under.
const DefaultArtifactsURL = "https://nilcc.s3-accelerate.amazonaws.com"

// Downloader fetches a release's artifacts into a target directory.
type Downloader struct {
	version            string
	vmTypes            []VMType
	artifactsURL       string
	downloadDiskImages bool
	alwaysDownload     bool
	httpClient         *http.Client
	logger             zerolog.Logger
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithArtifactsURL overrides the base URL artifacts are fetched from.
func WithArtifactsURL(u string) Option { return func(d *Downloader) { d.artifactsURL = u } }

// WithoutDiskImages skips downloading the (large) disk and verity images,
// useful when only the kernel/initrd/ovmf are needed to compute a launch
// digest ahead of time.
func WithoutDiskImages() Option { return func(d *Downloader) { d.downloadDiskImages = false } }

// WithoutArtifactOverwrite skips re-downloading a file that already
// exists on disk. The default is to always re-download, since a host
// cannot otherwise tell a partially written file from a complete one.
func WithoutArtifactOverwrite() Option { return func(d *Downloader) { d.alwaysDownload = false } }

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option { return func(d *Downloader) { d.httpClient = c } }

// WithLogger attaches a component-scoped logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Downloader) { d.logger = l.With().Str("component", "artifacts_downloader").Logger() }
}

// NewDownloader builds a Downloader for the given release version and VM
// types, defaulting to downloading disk images and always overwriting.
func NewDownloader(version string, vmTypes []VMType, opts ...Option) *Downloader {
	d := &Downloader{
		version:            version,
		vmTypes:            vmTypes,
		artifactsURL:       DefaultArtifactsURL,
		downloadDiskImages: true,
		alwaysDownload:     true,
		httpClient:         httpclient.New(),
		logger:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateExists checks that the release's metadata document is
// reachable, without downloading anything, so a caller can fail fast on
// a typo'd version before committing disk space.
func (d *Downloader) ValidateExists(ctx context.Context) error {
	u := fmt.Sprintf("%s/%s/metadata.json", d.artifactsURL, d.version)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking artifacts exist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifacts for version %q not found: HTTP %d", d.version, resp.StatusCode)
	}
	return nil
}

// fetchMetadata downloads and decodes metadata.json, returning its SHA-256
// digest alongside the parsed document.
func (d *Downloader) fetchMetadata(ctx context.Context) (*Metadata, string, []byte, error) {
	u := fmt.Sprintf("%s/%s/metadata.json", d.artifactsURL, d.version)
	body, err := d.get(ctx, u)
	if err != nil {
		return nil, "", nil, fmt.Errorf("fetching metadata: %w", err)
	}
	meta, digest, err := DecodeMetadata(body)
	if err != nil {
		return nil, "", nil, err
	}
	return meta, digest, body, nil
}

// Download fetches every artifact for the configured VM types into
// targetDir, writing metadata.json last so a directory only ever contains
// a metadata.json once every artifact it references is present on disk.
func (d *Downloader) Download(ctx context.Context, targetDir string) (*Metadata, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating target directory: %w", err)
	}

	meta, _, rawMetadata, err := d.fetchMetadata(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.downloadArtifact(ctx, targetDir, meta.OVMF); err != nil {
		return nil, err
	}
	if err := d.downloadArtifact(ctx, targetDir, meta.Initrd); err != nil {
		return nil, err
	}

	for _, vmType := range d.vmTypes {
		image, err := meta.Cvm.Images.Resolve(vmType)
		if err != nil {
			return nil, err
		}
		if err := d.downloadArtifact(ctx, targetDir, image.Kernel); err != nil {
			return nil, err
		}
		if !d.downloadDiskImages {
			continue
		}
		if err := d.downloadArtifact(ctx, targetDir, image.Disk.Artifact); err != nil {
			return nil, err
		}
		if err := d.downloadArtifact(ctx, targetDir, Artifact{Path: image.Verity.Disk.Path, SHA256: ""}); err != nil {
			return nil, err
		}
	}

	metadataPath := filepath.Join(targetDir, "metadata.json")
	if err := os.WriteFile(metadataPath, rawMetadata, 0o644); err != nil {
		return nil, fmt.Errorf("writing metadata.json: %w", err)
	}

	return meta, nil
}

func (d *Downloader) downloadArtifact(ctx context.Context, targetDir string, artifact Artifact) error {
	dest := filepath.Join(targetDir, artifact.Path)
	if !d.alwaysDownload {
		if _, err := os.Stat(dest); err == nil {
			d.logger.Debug().Str("path", artifact.Path).Msg("artifact already present, skipping download")
			return nil
		}
	} else {
		if _, err := os.Stat(dest); err == nil {
			d.logger.Info().Str("path", artifact.Path).Msg("overwriting existing artifact")
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", artifact.Path, err)
	}

	u := fmt.Sprintf("%s/%s/%s", d.artifactsURL, d.version, artifact.Path)
	if err := d.downloadFile(ctx, u, dest); err != nil {
		return fmt.Errorf("downloading %s: %w", artifact.Path, err)
	}

	if artifact.SHA256 != "" {
		if err := verifySHA256(dest, artifact.SHA256); err != nil {
			return err
		}
	}
	return nil
}

func (d *Downloader) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, u)
	}
	return io.ReadAll(resp.Body)
}

func (d *Downloader) downloadFile(ctx context.Context, u, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}
	return nil
}

func verifySHA256(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("sha256 mismatch for %s: got %s want %s", path, got, want)
	}
	return nil
}
