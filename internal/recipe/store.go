package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store is the on-disk recipe table: one yaml file per recipe, written
// via temp-file + rename, with an fsnotify watcher that folds in recipes
// written by concurrent processes. Reads share an RWMutex; per-recipe
// file writes are serialized by a keyed mutex so unrelated signatures
// never contend.
type Store struct {
	dir string
	log *zap.Logger

	mu      sync.RWMutex
	recipes map[string]*Recipe // keyed by signature

	fileMu sync.Mutex
	files  map[string]*sync.Mutex // per-signature write locks

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open loads every recipe under dir and starts watching for external
// writes. The directory is created if missing.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create recipe dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		log:     log,
		recipes: make(map[string]*Recipe),
		files:   make(map[string]*sync.Mutex),
		done:    make(chan struct{}),
	}
	if err := s.loadDir(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("recipe watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Store) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if r, err := readRecipeFile(event.Name); err == nil {
				s.mu.Lock()
				s.recipes[r.Signature] = r
				s.mu.Unlock()
				s.log.Debug("recipe reloaded", zap.String("signature", r.Signature))
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) loadDir() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		r, err := readRecipeFile(path)
		if err != nil {
			s.log.Warn("skipping unreadable recipe", zap.String("path", path), zap.Error(err))
			continue
		}
		s.recipes[r.Signature] = r
	}
	s.log.Info("recipe store loaded", zap.Int("recipes", len(s.recipes)))
	return nil
}

func readRecipeFile(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Signature == "" || r.Template == "" {
		return nil, fmt.Errorf("recipe %s: signature and template required", path)
	}
	return &r, nil
}

// Find looks up the best recipe for a question: exact signature match
// first, then the highest token-overlap candidate above MatchThreshold.
// Ties break by success score, then usage count.
func (s *Store) Find(question string) (*Match, bool) {
	sig, tokens := Signature(question)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.recipes[sig]; ok {
		return &Match{Recipe: r, Confidence: 1}, true
	}

	var best []*Recipe
	bestScore := 0.0
	for _, r := range s.recipes {
		score := overlap(tokens, r.Tokens)
		switch {
		case score < MatchThreshold || score < bestScore:
		case score > bestScore:
			bestScore = score
			best = best[:0]
			best = append(best, r)
		default: // score == bestScore
			best = append(best, r)
		}
	}
	if len(best) == 0 {
		return nil, false
	}
	sortCandidates(best)
	return &Match{Recipe: best[0], Confidence: bestScore}, true
}

// Insert adds a recipe and persists it atomically.
func (s *Store) Insert(r *Recipe) error {
	if r.Signature == "" || r.Template == "" {
		return fmt.Errorf("recipe: signature and template required")
	}
	s.mu.Lock()
	s.recipes[r.Signature] = r
	s.mu.Unlock()
	return s.writeFile(r)
}

// RecordUsage folds one more outcome into the recipe's rolling success
// score and bumps its usage count.
func (s *Store) RecordUsage(signature string, success bool) error {
	s.mu.Lock()
	r, ok := s.recipes[signature]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("recipe %q not found", signature)
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	r.SuccessScore = 0.8*r.SuccessScore + 0.2*outcome
	r.UsageCount++
	snapshot := *r
	s.mu.Unlock()
	return s.writeFile(&snapshot)
}

// All returns a copy of the recipe list, for inspection commands.
func (s *Store) All() []*Recipe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Recipe, 0, len(s.recipes))
	for _, r := range s.recipes {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (s *Store) writeFile(r *Recipe) error {
	lock := s.fileLock(r.Signature)
	lock.Lock()
	defer lock.Unlock()

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal recipe: %w", err)
	}
	path := filepath.Join(s.dir, fileNameFor(r.Signature))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write recipe: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename recipe: %w", err)
	}
	return nil
}

func (s *Store) fileLock(signature string) *sync.Mutex {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	lock, ok := s.files[signature]
	if !ok {
		lock = &sync.Mutex{}
		s.files[signature] = lock
	}
	return lock
}

func fileNameFor(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:8]) + ".yaml"
}
