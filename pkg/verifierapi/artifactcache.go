package verifierapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/virtengine/nilcc/pkg/artifacts"
	nilerrors "github.com/virtengine/nilcc/pkg/errors"
)

// CachedArtifactsProvider resolves boot artifact paths from metadata.json
// documents already materialized on disk by artifacts.Downloader, one
// directory per version, keeping parsed metadata in memory so repeat
// verify calls for the same version don't re-read and re-decode the file.
type CachedArtifactsProvider struct {
	mu       sync.Mutex
	cacheDir string
	cached   map[string]*artifacts.Metadata
	logger   zerolog.Logger
}

// NewCachedArtifactsProvider builds a provider rooted at cacheDir, the
// same directory artifacts.Downloader.Download populates per version.
func NewCachedArtifactsProvider(cacheDir string, logger zerolog.Logger) *CachedArtifactsProvider {
	return &CachedArtifactsProvider{
		cacheDir: cacheDir,
		cached:   make(map[string]*artifacts.Metadata),
		logger:   logger.With().Str("component", "verifier-artifact-cache").Logger(),
	}
}

// Resolve implements ArtifactsProvider.
func (p *CachedArtifactsProvider) Resolve(ctx context.Context, nilccVersion string, vmType artifacts.VMType) (ArtifactPaths, error) {
	meta, err := p.metadataFor(nilccVersion)
	if err != nil {
		return ArtifactPaths{}, err
	}

	image, err := meta.Cvm.Images.Resolve(vmType)
	if err != nil {
		return ArtifactPaths{}, nilerrors.WrapAs(nilerrors.KindInput, nilerrors.CodeInvalidArtifacts, "resolving vm type image", err)
	}

	versionDir := filepath.Join(p.cacheDir, nilccVersion)
	rootHash, err := decodeRootHash(image.Verity.RootHash)
	if err != nil {
		return ArtifactPaths{}, nilerrors.WrapAs(nilerrors.KindFilesystem, nilerrors.CodeInvalidArtifacts, "decoding verity root hash", err)
	}

	return ArtifactPaths{
		OVMFPath:        filepath.Join(versionDir, meta.OVMF.Path),
		KernelPath:      filepath.Join(versionDir, image.Kernel.Path),
		InitrdPath:      filepath.Join(versionDir, meta.Initrd.Path),
		CmdlineTemplate: string(meta.Cvm.Cmdline),
		VerityRootHash:  rootHash,
	}, nil
}

func (p *CachedArtifactsProvider) metadataFor(nilccVersion string) (*artifacts.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if meta, ok := p.cached[nilccVersion]; ok {
		return meta, nil
	}

	path := filepath.Join(p.cacheDir, nilccVersion, "metadata.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindFilesystem, nilerrors.CodeInvalidArtifacts, "reading cached metadata", err)
	}

	var meta artifacts.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nilerrors.WrapAs(nilerrors.KindInternal, nilerrors.CodeInvalidArtifacts, "decoding cached metadata", err)
	}

	p.cached[nilccVersion] = &meta
	p.logger.Debug().Str("version", nilccVersion).Msg("cached artifacts metadata")
	return &meta, nil
}

func decodeRootHash(hexRootHash string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(hexRootHash)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, nilerrors.Newf(nilerrors.KindFilesystem, nilerrors.CodeInvalidArtifacts, "decoding verity root hash", "expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
