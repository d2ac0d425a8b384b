package memory

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SovereignSyncer mirrors on-disk markdown files into the state store. Disk
// is the source of truth; the store is the read cache injected into prompts.
type SovereignSyncer struct {
	root    string
	service *Service
	mu      sync.Mutex
	mtimes  map[string]time.Time
}

// NewSovereignSyncer creates a syncer over one directory tree.
func NewSovereignSyncer(root string, service *Service) *SovereignSyncer {
	return &SovereignSyncer{
		root:    root,
		service: service,
		mtimes:  make(map[string]time.Time),
	}
}

// Sync walks the tree and mirrors files whose mtime changed since the last
// pass. Returns the number of files written.
func (sy *SovereignSyncer) Sync(ctx context.Context) (int, error) {
	sy.mu.Lock()
	defer sy.mu.Unlock()

	if sy.root == "" {
		return 0, nil
	}
	synced := 0
	err := filepath.WalkDir(sy.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if prev, ok := sy.mtimes[path]; ok && !info.ModTime().After(prev) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		kbID, err := KBIDForPath(sy.root, path)
		if err != nil {
			return err
		}
		if err := sy.service.store.UpsertSovereignFile(ctx, kbID, string(content)); err != nil {
			return err
		}
		sy.mtimes[path] = info.ModTime()
		synced++
		return nil
	})
	if err != nil {
		return synced, fmt.Errorf("sovereign sync: %w", err)
	}
	return synced, nil
}

// KBIDForPath derives the partition id from the file's path relative to the
// sovereign root: separators become dots, the extension is dropped.
func KBIDForPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("sovereign kb id: %w", err)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "."), nil
}

// ReadResource resolves a memory:// URI to its mirrored content. The path
// after the scheme is the kb_id; facts for the partition are appended when no
// sovereign file exists.
func (s *Service) ReadResource(ctx context.Context, uri string) (string, error) {
	const scheme = "memory://"
	if !strings.HasPrefix(uri, scheme) {
		return "", fmt.Errorf("memory: unsupported resource uri %q", uri)
	}
	kbID := strings.TrimPrefix(uri, scheme)
	if kbID == "" {
		return "", fmt.Errorf("memory: empty resource path")
	}

	if file, err := s.store.GetSovereignFile(ctx, kbID); err == nil {
		return file.Content, nil
	}

	facts, err := s.store.QueryFacts(ctx, kbID, "", 100)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "", fmt.Errorf("memory: resource %q not found", uri)
	}
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s %s %s (%.2f)\n", f.Entity, f.Relation, f.Target, f.Confidence)
	}
	return b.String(), nil
}

// ListResourceURIs enumerates the memory:// URIs currently resolvable.
func (s *Service) ListResourceURIs(ctx context.Context) ([]string, error) {
	files, err := s.store.ListSovereignFiles(ctx)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(files))
	for _, f := range files {
		uris = append(uris, "memory://"+f.KBID)
	}
	return uris, nil
}

// SovereignContext concatenates all mirrored files for prompt injection.
func (s *Service) SovereignContext(ctx context.Context) (string, error) {
	files, err := s.store.ListSovereignFiles(ctx)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", f.KBID, strings.TrimSpace(f.Content))
	}
	return b.String(), nil
}
