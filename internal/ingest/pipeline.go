package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"antigravity/internal/async"
	"antigravity/internal/config"
	"antigravity/internal/logging"
	"antigravity/internal/state"
)

const (
	pausedSentinel  = ".paused"
	triggerSentinel = ".trigger_now"
	summaryMarker   = "[DOCUMENT SUMMARY:"
)

// HistoryStore is the dedup table surface.
type HistoryStore interface {
	LookupIngestHash(ctx context.Context, hash string) (*state.IngestRecord, error)
	RecordIngest(ctx context.Context, rec state.IngestRecord) error
}

// Submitter pushes extracted documents to the retrieval backend.
type Submitter interface {
	Ingest(ctx context.Context, req IngestRequest) error
	IngestGraph(ctx context.Context, payload GraphPayload) error
}

type dirLayout struct {
	ingest     string
	deferred   string
	processed  string
	review     string
	rejected   string
	duplicates string
}

// Pipeline watches the ingest directory and routes files through dedup,
// triage, extraction, enrichment, submission and filing. An optional brain
// directory is scanned as a read-only mirror: its files are ingested in
// place and never moved. Iterations are serialized; at most one pass runs
// at a time.
type Pipeline struct {
	cfg       config.IngestConfig
	dirs      dirLayout
	history   HistoryStore
	extractor *Extractor
	enricher  *Enricher
	submitter Submitter
	night     config.NightWindow
	logger    logging.Logger

	mu   sync.Mutex
	kick chan struct{}
	now  func() time.Time
}

// NewPipeline creates the pipeline and its directory layout.
func NewPipeline(cfg config.IngestConfig, history HistoryStore, extractor *Extractor, enricher *Enricher, submitter Submitter, logger logging.Logger) (*Pipeline, error) {
	if cfg.IngestDir == "" {
		return nil, fmt.Errorf("ingest: no ingest directory configured")
	}
	night := config.NewNightWindow(cfg)

	base := filepath.Dir(strings.TrimRight(cfg.IngestDir, string(filepath.Separator)))
	dirs := dirLayout{
		ingest:     cfg.IngestDir,
		deferred:   filepath.Join(cfg.IngestDir, "deferred"),
		processed:  cfg.ProcessedDir,
		review:     filepath.Join(base, "review"),
		rejected:   filepath.Join(base, "rejected"),
		duplicates: filepath.Join(base, "duplicates"),
	}
	if dirs.processed == "" {
		dirs.processed = filepath.Join(base, "processed")
	}
	for _, d := range []string{dirs.ingest, dirs.deferred, dirs.processed, dirs.review, dirs.rejected, dirs.duplicates} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("ingest: create %s: %w", d, err)
		}
	}

	return &Pipeline{
		cfg:       cfg,
		dirs:      dirs,
		history:   history,
		extractor: extractor,
		enricher:  enricher,
		submitter: submitter,
		night:     night,
		logger:    logging.OrNop(logger),
		kick:      make(chan struct{}, 1),
		now:       time.Now,
	}, nil
}

// Start watches the ingest directory and polls until ctx ends.
func (p *Pipeline) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest watcher: %w", err)
	}
	if err := watcher.Add(p.dirs.ingest); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.dirs.ingest, err)
	}
	if p.cfg.BrainDir != "" {
		// Best effort: the mirror may not exist yet; the poll still covers it.
		if err := watcher.Add(p.cfg.BrainDir); err != nil {
			p.logger.Warn("Watch %s: %v", p.cfg.BrainDir, err)
		}
	}

	poll := time.Duration(p.cfg.PollSeconds) * time.Second
	if poll <= 0 {
		poll = 30 * time.Second
	}

	async.Go(p.logger, "ingest.pipeline", func() {
		defer watcher.Close()
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-p.kick:
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
			}
			p.RunOnce(ctx)
		}
	})
	return nil
}

// EnqueueFile stages an arbitrary file into the ingest directory and kicks
// the loop. Used by the ingest_file tool.
func (p *Pipeline) EnqueueFile(_ context.Context, path, kbID string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("ingest: %s is a directory", path)
	}
	if !Supported(path) {
		return fmt.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}

	dest := filepath.Join(p.dirs.ingest, filepath.Base(path))
	if filepath.Dir(path) != p.dirs.ingest {
		if err := copyFile(path, dest); err != nil {
			return fmt.Errorf("ingest: stage %s: %w", path, err)
		}
	}
	if kbID != "" {
		// The kb hint rides in a sidecar the enricher fallback honors.
		hint := dest + ".kb"
		_ = os.WriteFile(hint, []byte(kbID), 0o644)
	}

	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// RunOnce executes one serialized pipeline pass.
func (p *Pipeline) RunOnce(ctx context.Context) []Result {
	if !p.mu.TryLock() {
		return nil
	}
	defer p.mu.Unlock()

	if reason, paused := p.paused(); paused {
		p.logger.Debug("Ingestion paused: %s", reason)
		return nil
	}

	nightPass := p.nightWindowOpen()
	candidates := p.collectCandidates(nightPass)
	if len(candidates) == 0 {
		return nil
	}

	hashes := p.hashFiles(ctx, candidates)

	var results []Result
	for _, path := range candidates {
		hash, ok := hashes[path]
		if !ok {
			continue
		}
		res := p.processOne(ctx, path, hash, nightPass)
		if res.Err != nil {
			p.logger.Warn("Ingest %s: %s (%v)", filepath.Base(path), res.Outcome, res.Err)
		} else {
			p.logger.Info("Ingest %s: %s kb=%s", filepath.Base(path), res.Outcome, res.KBID)
		}
		results = append(results, res)
	}

	if nightPass {
		_ = os.Remove(filepath.Join(p.dirs.ingest, triggerSentinel))
	}
	return results
}

func (p *Pipeline) paused() (string, bool) {
	data, err := os.ReadFile(filepath.Join(p.dirs.ingest, pausedSentinel))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func (p *Pipeline) nightWindowOpen() bool {
	if _, err := os.Stat(filepath.Join(p.dirs.ingest, triggerSentinel)); err == nil {
		return true
	}
	return p.night.Contains(p.now())
}

// collectCandidates lists ingest-root and brain-mirror files; during a night
// pass the deferred directory is drained too.
func (p *Pipeline) collectCandidates(nightPass bool) []string {
	var out []string
	appendDir := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			p.logger.Warn("Read %s: %v", dir, err)
			return
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".kb") {
				continue
			}
			out = append(out, filepath.Join(dir, name))
		}
	}
	appendDir(p.dirs.ingest)
	if p.cfg.BrainDir != "" {
		if _, err := os.Stat(p.cfg.BrainDir); err == nil {
			appendDir(p.cfg.BrainDir)
		}
	}
	if nightPass {
		appendDir(p.dirs.deferred)
	}
	return out
}

// hashFiles computes SHA-256 digests on the worker pool.
func (p *Pipeline) hashFiles(ctx context.Context, paths []string) map[string]string {
	workers := p.cfg.HashWorkers
	if workers <= 0 {
		workers = 4
	}
	var mu sync.Mutex
	out := make(map[string]string, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := hashFile(path)
			if err != nil {
				p.logger.Warn("Hash %s: %v", path, err)
				return nil
			}
			mu.Lock()
			out[path] = sum
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Pipeline) processOne(ctx context.Context, path, hash string, nightPass bool) Result {
	res := Result{Path: path}
	brain := p.fromBrain(path)

	// Dedup first: a known hash never reaches extraction.
	if p.history != nil {
		if _, err := p.history.LookupIngestHash(ctx, hash); err == nil {
			res.Outcome = OutcomeDuplicate
			if brain {
				// Mirror files stay where they are.
				return res
			}
			if _, err := p.moveCollisionSafe(path, p.dirs.duplicates); err != nil {
				res.Err = err
			}
			return res
		} else if !errors.Is(err, state.ErrNotFound) {
			res.Outcome = OutcomeExtractionFail
			res.Err = fmt.Errorf("dedup lookup: %w", err)
			return res
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		res.Outcome = OutcomeExtractionFail
		res.Err = err
		return res
	}
	if Heavy(path, info) && !nightPass {
		res.Outcome = OutcomeDeferred
		if !brain {
			if _, err := p.moveCollisionSafe(path, p.dirs.deferred); err != nil {
				res.Err = err
			}
		}
		return res
	}

	content, err := p.extractor.Extract(ctx, path)
	if err != nil {
		res.Outcome = OutcomeExtractionFail
		res.Err = err
		if !brain {
			_, _ = p.moveCollisionSafe(path, p.dirs.review)
		}
		return res
	}
	if strings.Contains(content, summaryMarker) {
		// Re-processing our own output would loop forever.
		res.Outcome = OutcomeRecursion
		if !brain {
			_, _ = p.moveCollisionSafe(path, p.dirs.review)
		}
		return res
	}
	if strings.TrimSpace(content) == "" {
		res.Outcome = OutcomeQualityReject
		if !brain {
			_, _ = p.moveCollisionSafe(path, p.dirs.rejected)
		}
		return res
	}

	enrichment := p.enricher.Classify(ctx, filepath.Base(path), content)
	if kb := p.kbHint(path); kb != "" {
		enrichment.KBID = kb
	}
	res.KBID = enrichment.KBID

	if p.submitter != nil {
		req := IngestRequest{
			Filename: filepath.Base(path),
			Content:  content,
			KBID:     enrichment.KBID,
			Metadata: map[string]any{
				"authority":   enrichment.Authority,
				"shadow_tags": enrichment.ShadowTags,
			},
		}
		if enrichment.GlobalSummary != "" {
			req.PrependText = summaryMarker + " " + enrichment.GlobalSummary + "]"
		}
		if err := p.submitter.Ingest(ctx, req); err != nil {
			// Leave the file in place; the next pass retries.
			res.Outcome = OutcomeExtractionFail
			res.Err = fmt.Errorf("submit: %w", err)
			return res
		}
		if graph := p.enricher.ExtractGraph(ctx, content); len(graph.Entities) > 0 || len(graph.Relations) > 0 {
			if err := p.submitter.IngestGraph(ctx, graph); err != nil {
				p.logger.Warn("Graph submit for %s: %v", filepath.Base(path), err)
			}
		}
	}

	finalPath := path
	if !brain {
		finalPath, err = p.moveCollisionSafe(path, p.dirs.processed)
		if err != nil {
			res.Outcome = OutcomeExtractionFail
			res.Err = fmt.Errorf("file: %w", err)
			return res
		}
		p.writeSidecar(finalPath, content, enrichment)
	}

	// Hash is marked seen only after filing succeeded, so a crash mid-pass
	// reprocesses rather than orphans. Brain files are recorded in place;
	// every later pass hits the dedup branch and skips them silently.
	if p.history != nil {
		if err := p.history.RecordIngest(ctx, state.IngestRecord{
			FileHash: hash,
			KBID:     enrichment.KBID,
			FilePath: finalPath,
			FileSize: info.Size(),
		}); err != nil {
			p.logger.Warn("Record ingest hash for %s: %v", finalPath, err)
		}
	}

	_ = os.Remove(path + ".kb")
	res.Outcome = OutcomeOK
	return res
}

func (p *Pipeline) fromBrain(path string) bool {
	return p.cfg.BrainDir != "" && strings.HasPrefix(path, p.cfg.BrainDir)
}

func (p *Pipeline) kbHint(path string) string {
	data, err := os.ReadFile(path + ".kb")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type sidecarMeta struct {
	KBID       string   `yaml:"kb_id"`
	Authority  float64  `yaml:"authority"`
	IngestedAt string   `yaml:"ingested_at"`
	Keywords   []string `yaml:"keywords,omitempty"`
}

// writeSidecar drops a markdown transcript with YAML front matter next to the
// processed artifact.
func (p *Pipeline) writeSidecar(artifactPath, content string, enrichment Enrichment) {
	meta, err := yaml.Marshal(sidecarMeta{
		KBID:       enrichment.KBID,
		Authority:  enrichment.Authority,
		IngestedAt: p.now().UTC().Format(time.RFC3339),
		Keywords:   enrichment.ShadowTags,
	})
	if err != nil {
		return
	}
	body := "---\n" + string(meta) + "---\n\n" + content + "\n"
	if err := os.WriteFile(artifactPath+".md", []byte(body), 0o644); err != nil {
		p.logger.Warn("Write sidecar for %s: %v", artifactPath, err)
	}
}

// moveCollisionSafe renames src into destDir, suffixing the stem with a unix
// timestamp when the name is taken.
func (p *Pipeline) moveCollisionSafe(src, destDir string) (string, error) {
	base := filepath.Base(src)
	dest := filepath.Join(destDir, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", stem, p.now().Unix(), ext))
	}
	if err := os.Rename(src, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
