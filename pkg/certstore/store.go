package certstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/torrust/tracker-certs/pkg/fsutil"
)

const (
	metadataFile = "bundle.json"
	chainFile    = "fullchain.pem"
	keyFile      = "privkey.pem"
	issuerFile   = "issuer.pem"
)

// Store persists certificate bundles on disk, keyed by primary hostname.
// It is a pure persistence layer: no issuance or proxy logic lives here.
// All writes go through a temp file followed by rename, so a reader can
// never observe a partially written bundle.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the PEM artifacts and then the bundle metadata. The
// metadata is written last: its presence marks the bundle as complete.
// An existing bundle for the same primary hostname is replaced, never
// edited in place.
func (s *Store) Save(bundle *Bundle, chainPEM, keyPEM, issuerPEM []byte) error {
	if bundle == nil || bundle.Primary() == "" {
		return fmt.Errorf("bundle has no hostnames")
	}
	if len(chainPEM) == 0 {
		return fmt.Errorf("bundle for %s has an empty certificate chain", bundle.Primary())
	}
	if len(keyPEM) == 0 {
		return fmt.Errorf("bundle for %s has an empty private key", bundle.Primary())
	}

	dir := s.bundleDir(bundle.Primary())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle directory: %w", err)
	}

	bundle.CertificatePath = filepath.Join(dir, chainFile)
	bundle.PrivateKeyPath = filepath.Join(dir, keyFile)

	if err := fsutil.WriteFileAtomic(bundle.CertificatePath, chainPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate chain: %w", err)
	}
	if err := fsutil.WriteFileAtomic(bundle.PrivateKeyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if len(issuerPEM) > 0 {
		bundle.IssuerPath = filepath.Join(dir, issuerFile)
		if err := fsutil.WriteFileAtomic(bundle.IssuerPath, issuerPEM, 0o644); err != nil {
			return fmt.Errorf("failed to write issuer certificate: %w", err)
		}
	} else {
		bundle.IssuerPath = ""
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize bundle metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write bundle metadata: %w", err)
	}

	return nil
}

// Load returns the bundle covering the given hostname set, or nil when
// no complete bundle exists for its primary hostname.
func (s *Store) Load(hostnames []string) (*Bundle, error) {
	hostnames = NormalizeHostnames(hostnames)
	if len(hostnames) == 0 {
		return nil, fmt.Errorf("no hostnames given")
	}

	bundle, err := s.read(filepath.Join(s.bundleDir(hostnames[0]), metadataFile))
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, nil
	}
	if !bundle.Covers(hostnames) {
		// A bundle exists for the primary hostname but does not cover the
		// full requested set; treat it as absent so callers re-issue.
		return nil, nil
	}
	return bundle, nil
}

// List returns every complete bundle in the store, sorted by primary
// hostname.
func (s *Store) List() ([]*Bundle, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var bundles []*Bundle
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bundle, err := s.read(filepath.Join(s.dir, entry.Name(), metadataFile))
		if err != nil {
			return nil, err
		}
		if bundle != nil {
			bundles = append(bundles, bundle)
		}
	}

	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].Primary() < bundles[j].Primary()
	})
	return bundles, nil
}

// Delete removes the bundle keyed by the given primary hostname. Missing
// bundles are not an error.
func (s *Store) Delete(primary string) error {
	if err := os.RemoveAll(s.bundleDir(primary)); err != nil {
		return fmt.Errorf("failed to delete bundle for %s: %w", primary, err)
	}
	return nil
}

func (s *Store) read(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle metadata: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle metadata %s: %w", path, err)
	}
	return &bundle, nil
}

func (s *Store) bundleDir(primary string) string {
	return filepath.Join(s.dir, safeFileSegment(primary))
}

// safeFileSegment maps a hostname to a filesystem-safe directory name.
func safeFileSegment(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	sanitized := strings.Trim(b.String(), "._-")
	if sanitized == "" {
		return "bundle"
	}
	return sanitized
}
