// Package attachment persists inbound attachment bodies under sanitized,
// collision-resistant filenames and garbage-collects files that no
// ingestion pass still references.
package attachment

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/metrics"
	"github.com/nhle/orgmail-gateway/internal/model"
)

var (
	// ErrNotFound is returned when a requested file does not exist.
	ErrNotFound = errors.New("attachment not found")

	// ErrInvalidFilename is returned for names that are empty or change
	// under sanitization.
	ErrInvalidFilename = errors.New("invalid attachment filename")
)

// tmpPrefix marks files still being written.
const tmpPrefix = ".tmp-"

// Store manages the attachments directory. One Store is shared by every
// ingestion pass in the process; each pass records its files through
// its own Pass.
type Store struct {
	dir     string
	baseURL string
	log     *zap.SugaredLogger
	now     func() time.Time

	mu sync.Mutex

	// index maps a dedup key to the stored name of a file written by an
	// earlier pass, so unchanged messages reuse their file.
	index  map[string]string
	active map[*Pass]struct{}

	// retained holds files still referenced by a published snapshot.
	retained map[string]struct{}
}

// NewStore creates the directory if needed and returns a store rooted
// at it. baseURL prefixes retrieval URLs and may be empty.
func NewStore(dir, baseURL string, log *zap.SugaredLogger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving attachments dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating attachments dir %s: %w", abs, err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		dir:      abs,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
		now:      time.Now,
		index:    make(map[string]string),
		active:   make(map[*Pass]struct{}),
		retained: make(map[string]struct{}),
	}, nil
}

// Dir returns the absolute attachments directory.
func (s *Store) Dir() string {
	return s.dir
}

// URL returns the retrieval URL for a stored filename.
func (s *Store) URL(stored string) string {
	return s.baseURL + "/api/attachments?filename=" + url.QueryEscape(stored)
}

// Retain replaces the set of files that GC must keep regardless of the
// collecting pass. Callers holding a result set across passes, such as
// a cached snapshot, retain its stored filenames until the next one.
func (s *Store) Retain(names []string) {
	retained := make(map[string]struct{}, len(names))
	for _, name := range names {
		retained[name] = struct{}{}
	}
	s.mu.Lock()
	s.retained = retained
	s.mu.Unlock()
}

// Pass is the known-file scope of one ingestion pass.
type Pass struct {
	store *Store
	known map[string]struct{}
	keys  map[string]string
	done  bool
}

// BeginPass starts a new pass. The caller must end it with Collect or
// Abort; until then its files are protected from other passes' GC.
func (s *Store) BeginPass() *Pass {
	p := &Pass{
		store: s,
		known: make(map[string]struct{}),
		keys:  make(map[string]string),
	}
	s.mu.Lock()
	s.active[p] = struct{}{}
	s.mu.Unlock()
	return p
}

// Save stores one attachment and returns its stored filename. A
// (folder, uid, name) key already saved in this pass, or still on disk
// from an earlier pass, is not rewritten.
func (p *Pass) Save(
	folder model.Folder, uid uint32, index int, original string, data []byte,
) (string, error) {
	s := p.store
	base := Sanitize(original)
	if base == "" {
		base = "attachment-" + strconv.Itoa(index)
	}
	key := fmt.Sprintf("%s/%d/%s", folder, uid, base)

	s.mu.Lock()
	if p.done {
		s.mu.Unlock()
		return "", fmt.Errorf("saving %s: pass already ended", base)
	}
	if stored, ok := p.keys[key]; ok {
		s.mu.Unlock()
		return stored, nil
	}
	if stored, ok := s.index[key]; ok && s.exists(stored) {
		p.keys[key] = stored
		p.known[stored] = struct{}{}
		s.mu.Unlock()
		metrics.AttachmentsReused.Inc()
		return stored, nil
	}

	stored := Sanitize(fmt.Sprintf("%d-%d-%s", uid, s.now().UnixMilli(), base))
	tmp := tmpPrefix + stored
	// Recorded before the write so a concurrent GC never sees the file
	// without also seeing it as known.
	p.keys[key] = stored
	p.known[stored] = struct{}{}
	p.known[tmp] = struct{}{}
	s.index[key] = stored
	s.mu.Unlock()

	err := s.write(tmp, stored, data)

	s.mu.Lock()
	delete(p.known, tmp)
	if err != nil {
		delete(p.keys, key)
		delete(p.known, stored)
		if s.index[key] == stored {
			delete(s.index, key)
		}
	}
	s.mu.Unlock()

	if err != nil {
		metrics.AttachmentWriteFailures.Inc()
		return "", err
	}
	metrics.AttachmentsSaved.Inc()
	return stored, nil
}

func (s *Store) write(tmp, stored string, data []byte) error {
	tmpPath := filepath.Join(s.dir, tmp)
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing attachment %s: %w", stored, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, stored)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming attachment %s: %w", stored, err)
	}
	return nil
}

func (s *Store) exists(name string) bool {
	info, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil && info.Mode().IsRegular()
}

// Known returns the stored filenames recorded by this pass.
func (p *Pass) Known() []string {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	names := make([]string, 0, len(p.known))
	for name := range p.known {
		names = append(names, name)
	}
	return names
}

// Collect ends the pass and deletes every file in the attachments
// directory that is not known to this pass or any other active pass
// and is not retained.
// It returns the number of files removed.
func (p *Pass) Collect() (int, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.done {
		return 0, nil
	}
	p.done = true
	delete(s.active, p)

	keep := make(map[string]struct{}, len(p.known))
	for name := range p.known {
		keep[name] = struct{}{}
	}
	for other := range s.active {
		for name := range other.known {
			keep[name] = struct{}{}
		}
	}
	for name := range s.retained {
		keep[name] = struct{}{}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing attachments dir: %w", err)
	}

	removed := make(map[string]struct{})
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if _, ok := keep[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
			continue
		}
		removed[name] = struct{}{}
	}

	for key, stored := range s.index {
		if _, ok := removed[stored]; ok {
			delete(s.index, key)
		}
	}

	metrics.AttachmentsCollected.Add(float64(len(removed)))
	if len(removed) > 0 {
		s.log.Infow("Collected stale attachments", "removed", len(removed), "kept", len(keep))
	}
	return len(removed), errors.Join(errs...)
}

// Abort ends the pass without collecting. Files it wrote stay on disk
// until a later pass collects them.
func (p *Pass) Abort() {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	p.done = true
	delete(s.active, p)
}

// Retrieve returns the bytes and content type of a stored file. Only
// bare, already sanitized names are accepted.
func (s *Store) Retrieve(name string) ([]byte, string, error) {
	clean := Sanitize(name)
	if clean == "" || clean != name || strings.HasPrefix(clean, tmpPrefix) {
		return nil, "", ErrInvalidFilename
	}

	data, err := os.ReadFile(filepath.Join(s.dir, clean))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading attachment %s: %w", clean, err)
	}
	return data, ContentTypeFor(clean), nil
}

// Sanitize reduces name to a bare filename: path components of either
// separator style are stripped along with control characters. It
// returns "" when nothing usable remains.
func Sanitize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	switch name {
	case "", ".", "..":
		return ""
	}
	return name
}

var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".ics":  "text/calendar",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
}

// ContentTypeFor maps a filename extension to a MIME type, defaulting
// to application/octet-stream.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
