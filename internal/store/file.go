package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// envelope wraps a versioned document on disk.
type envelope struct {
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// FileStore implements Store on the local filesystem.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (fs *FileStore) docPath(kind, key string) string {
	return filepath.Join(fs.baseDir, kind, sanitizeFilename(key)+".json")
}

func (fs *FileStore) seqDir(kind, key string) string {
	return filepath.Join(fs.baseDir, kind, sanitizeFilename(key))
}

// Get unmarshals the document at kind/key into out and returns its version.
func (fs *FileStore) Get(kind, key string, out interface{}) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.docPath(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read %s/%s: %w", kind, key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("failed to parse %s/%s: %w", kind, key, err)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return 0, fmt.Errorf("failed to unmarshal %s/%s: %w", kind, key, err)
		}
	}
	return env.Version, nil
}

// Put writes the document if its version still equals expected. The
// version bump is exclusive across processes: the new document is written
// under an O_EXCL claim file named after the next version, so of several
// writers holding the same expected version only one create succeeds, and
// the claim is re-checked against the document before the rename.
func (fs *FileStore) Put(kind, key string, expected uint64, in interface{}) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.docPath(kind, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	current, err := fs.readDocVersion(kind, key)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, fmt.Errorf("%w: %s/%s at version %d, expected %d",
			ErrVersionConflict, kind, key, current, expected)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s/%s: %w", kind, key, err)
	}

	next := current + 1
	body, err := json.MarshalIndent(envelope{Version: next, Data: raw}, "", "  ")
	if err != nil {
		return 0, err
	}

	claim := fs.claimPath(kind, key, next)
	f, err := fs.openClaim(claim)
	if err != nil {
		if os.IsExist(err) {
			return 0, fmt.Errorf("%w: %s/%s version %d already claimed",
				ErrVersionConflict, kind, key, next)
		}
		return 0, fmt.Errorf("failed to claim %s/%s: %w", kind, key, err)
	}

	// Re-check under the claim: a writer holding the same expected version
	// may have claimed, renamed and finished while we were reading.
	if err := fs.recheckVersion(kind, key, expected); err != nil {
		f.Close()
		os.Remove(claim)
		return 0, err
	}

	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(claim)
		return 0, fmt.Errorf("failed to write %s/%s: %w", kind, key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(claim)
		return 0, fmt.Errorf("failed to sync %s/%s: %w", kind, key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(claim)
		return 0, err
	}

	if expected == 0 {
		// the document must not exist yet; link fails where a rename would
		// silently clobber a concurrent Create
		if err := os.Link(claim, path); err != nil {
			os.Remove(claim)
			if os.IsExist(err) {
				return 0, fmt.Errorf("%w: %s/%s created concurrently",
					ErrVersionConflict, kind, key)
			}
			return 0, fmt.Errorf("failed to place %s/%s: %w", kind, key, err)
		}
		os.Remove(claim)
		return next, nil
	}

	if err := os.Rename(claim, path); err != nil {
		os.Remove(claim)
		return 0, fmt.Errorf("failed to replace %s/%s: %w", kind, key, err)
	}
	return next, nil
}

// Create writes a new document, failing with ErrExists if one is present.
func (fs *FileStore) Create(kind, key string, in interface{}) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.docPath(kind, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", kind, key, err)
	}
	body, err := json.MarshalIndent(envelope{Version: 1, Data: raw}, "", "  ")
	if err != nil {
		return err
	}

	// O_EXCL makes the create atomic across processes.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("failed to create %s/%s: %w", kind, key, err)
	}

	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s/%s: %w", kind, key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync %s/%s: %w", kind, key, err)
	}
	return f.Close()
}

// Delete removes the document. Missing documents are not an error.
func (fs *FileStore) Delete(kind, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.Remove(fs.docPath(kind, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, key, err)
	}
	return nil
}

// DeleteVersion removes the document only if its version still equals
// expected. The removal claims the next version the same way Put does, so a
// delete racing a put on the same version has exactly one winner.
func (fs *FileStore) DeleteVersion(kind, key string, expected uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, err := fs.readDocVersion(kind, key)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNotFound
	}
	if current != expected {
		return fmt.Errorf("%w: %s/%s at version %d, expected %d",
			ErrVersionConflict, kind, key, current, expected)
	}

	claim := fs.claimPath(kind, key, expected+1)
	f, err := fs.openClaim(claim)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s/%s version %d already claimed",
				ErrVersionConflict, kind, key, expected+1)
		}
		return fmt.Errorf("failed to claim %s/%s: %w", kind, key, err)
	}
	f.Close()
	defer os.Remove(claim)

	if err := fs.recheckVersion(kind, key, expected); err != nil {
		return err
	}

	if err := os.Remove(fs.docPath(kind, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, key, err)
	}
	return nil
}

// Archive atomically moves the document into kind/archive. Rename fails for
// all but one of several racing callers since the source disappears.
func (fs *FileStore) Archive(kind, key string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	archiveKey := fmt.Sprintf("%s-%s-%s",
		sanitizeFilename(key), time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
	archiveDir := filepath.Join(fs.baseDir, kind, "archive")
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	err := os.Rename(fs.docPath(kind, key), filepath.Join(archiveDir, archiveKey+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to archive %s/%s: %w", kind, key, err)
	}
	return archiveKey, nil
}

// AppendSeq creates the numbered entry of an append-only sequence.
func (fs *FileStore) AppendSeq(kind, key string, seq uint64, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := fs.seqDir(kind, key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	path := filepath.Join(dir, seqFilename(seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: sequence %d", ErrExists, seq)
		}
		return fmt.Errorf("failed to append sequence %d: %w", seq, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write sequence %d: %w", seq, err)
	}
	// Durable before acknowledge: a committed rotation must never outrun
	// its audit record.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync sequence %d: %w", seq, err)
	}
	return f.Close()
}

// ReadSeq returns the raw bytes of one sequence entry.
func (fs *FileStore) ReadSeq(kind, key string, seq uint64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(fs.seqDir(kind, key), seqFilename(seq)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read sequence %d: %w", seq, err)
	}
	return data, nil
}

// ListSeq returns all sequence numbers under kind/key in ascending order.
func (fs *FileStore) ListSeq(kind, key string) ([]uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.seqDir(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s/%s: %w", kind, key, err)
	}

	var seqs []uint64
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".json")
		seq, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// ListKeys returns every document key present under a kind.
func (fs *FileStore) ListKeys(kind string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(fs.baseDir, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if name != "archive" {
				keys = append(keys, name)
			}
			continue
		}
		if filepath.Ext(name) == ".json" {
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// claimStaleAfter bounds how long the claim file of a crashed writer can
// block further version transitions on the same key. Claims live for the
// duration of one local write, so anything older is debris.
const claimStaleAfter = 10 * time.Second

func (fs *FileStore) claimPath(kind, key string, version uint64) string {
	return filepath.Join(fs.baseDir, kind,
		fmt.Sprintf("%s.v%d.claim", sanitizeFilename(key), version))
}

// openClaim creates the claim file with O_EXCL, breaking a stale claim left
// behind by a crash. Callers treat os.IsExist errors as a lost race.
func (fs *FileStore) openClaim(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err == nil || !os.IsExist(err) {
		return f, err
	}

	info, statErr := os.Stat(path)
	if statErr != nil || time.Since(info.ModTime()) <= claimStaleAfter {
		return nil, err
	}
	os.Remove(path)
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

// readDocVersion returns the document's current version, 0 when absent.
func (fs *FileStore) readDocVersion(kind, key string) (uint64, error) {
	data, err := os.ReadFile(fs.docPath(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s/%s: %w", kind, key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("failed to parse %s/%s: %w", kind, key, err)
	}
	return env.Version, nil
}

func (fs *FileStore) recheckVersion(kind, key string, expected uint64) error {
	current, err := fs.readDocVersion(kind, key)
	if err != nil {
		return err
	}
	if current != expected {
		return fmt.Errorf("%w: %s/%s moved to version %d while claiming %d",
			ErrVersionConflict, kind, key, current, expected+1)
	}
	return nil
}

func seqFilename(seq uint64) string {
	return fmt.Sprintf("%012d.json", seq)
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
