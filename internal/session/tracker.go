// Package session implements the Session Tracker from spec.md §4.4: an
// atomic, commit-grouped changeset history of every file mutation made
// during a run, plus the durable conversation/input-history/dialogue state
// a CLI turn needs to resume across invocations.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koirun/koi/internal/telemetry"
)

// Commit is one atomic changeset (spec.md §6 "Session history on disk").
type Commit struct {
	Hash         string    `json:"hash"`
	ParentHash   string    `json:"parentHash,omitempty"`
	Summary      string    `json:"summary"`
	Timestamp    time.Time `json:"timestamp"`
	ChangedFiles []string  `json:"changedFiles"`
}

type pendingFile struct {
	path        string
	oldContent  string
	firstStaged time.Time
}

// Summarizer turns a unified diff into a one-line natural-language commit
// summary. In production this is a fast/cheap LLM call; tests may supply a
// deterministic stub.
type Summarizer interface {
	Summarize(ctx context.Context, diff string) (string, error)
}

// VectorStore computes and stores a commit embedding for later semantic
// lookup. Optional — a nil VectorStore simply skips this step.
type VectorStore interface {
	Upsert(ctx context.Context, id, text string) error
}

// DialogueEntry is one line of the append-only structured log.
type DialogueEntry struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Tracker is the process-wide session tracker singleton (spec.md §5:
// "File permissions and session tracker: process-wide singletons
// protected by the single-threaded model").
type Tracker struct {
	mu sync.Mutex

	root string // storage directory passed to New (cmd/koi uses ".koi"); no environment variable is consulted

	pending map[string]*pendingFile
	history []Commit
	head    string

	summarizer  Summarizer
	vectorStore VectorStore

	metrics *telemetry.Metrics
}

// SetMetrics wires the commit counter (spec.md §4.4's CommitChanges is the
// tracker's sole write path) to future CommitChanges calls.
func (t *Tracker) SetMetrics(metrics *telemetry.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = metrics
}

// New builds a tracker rooted at storageDir (typically "<project>/.koi"),
// loading any existing commit history from disk.
func New(storageDir string, summarizer Summarizer, vectorStore VectorStore) (*Tracker, error) {
	t := &Tracker{
		root:        storageDir,
		pending:     make(map[string]*pendingFile),
		summarizer:  summarizer,
		vectorStore: vectorStore,
	}
	if err := os.MkdirAll(filepath.Join(t.root, "snapshots"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(t.root, "conversations"), 0o755); err != nil {
		return nil, err
	}
	if err := t.loadHistory(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) historyPath() string { return filepath.Join(t.root, "commits.json") }

func (t *Tracker) loadHistory() error {
	raw, err := os.ReadFile(t.historyPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &t.history); err != nil {
		return err
	}
	if len(t.history) > 0 {
		t.head = t.history[len(t.history)-1].Hash
	}
	return nil
}

func (t *Tracker) saveHistory() error {
	raw, err := json.MarshalIndent(t.history, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.historyPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.historyPath())
}

// TrackFile stages the pre-image of path before a write/edit action
// mutates it. Only the first call for a given path in the current staging
// batch keeps its oldContent; subsequent calls for that path are ignored,
// so the original pre-image is never overwritten.
func (t *Tracker) TrackFile(path, oldContent string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	abs := canonical(path)
	if _, exists := t.pending[abs]; exists {
		return
	}
	t.pending[abs] = &pendingFile{path: abs, oldContent: oldContent, firstStaged: time.Now()}
}

// HasPendingChanges reports whether any file is staged.
func (t *Tracker) HasPendingChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// PendingFiles lists the staged paths.
func (t *Tracker) PendingFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pending))
	for p := range t.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CommitChanges atomically records every staged file as one changeset. If
// summary is empty, the configured Summarizer is asked to produce one from
// the combined diff.
func (t *Tracker) CommitChanges(ctx context.Context, summary string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return "", fmt.Errorf("session: no pending changes to commit")
	}

	paths := make([]string, 0, len(t.pending))
	for p := range t.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var diffBuilder strings.Builder
	fileDiffs := make(map[string]string, len(paths))
	for _, p := range paths {
		newContent, _ := os.ReadFile(p) // a deleted file just diffs to empty
		d := unifiedDiff(p, t.pending[p].oldContent, string(newContent))
		fileDiffs[p] = d
		diffBuilder.WriteString(d)
		diffBuilder.WriteString("\n")
	}

	if summary == "" && t.summarizer != nil {
		s, err := t.summarizer.Summarize(ctx, diffBuilder.String())
		if err != nil {
			return "", fmt.Errorf("session: summarize: %w", err)
		}
		summary = s
	}
	if summary == "" {
		summary = fmt.Sprintf("update %d file(s)", len(paths))
	}

	hash := commitHash(t.head, diffBuilder.String(), time.Now())
	commit := Commit{Hash: hash, ParentHash: t.head, Summary: summary, Timestamp: time.Now(), ChangedFiles: paths}

	if err := t.writeSnapshots(hash, paths); err != nil {
		return "", err
	}
	if err := t.writeCommitDiff(hash, diffBuilder.String()); err != nil {
		return "", err
	}

	t.history = append(t.history, commit)
	t.head = hash
	if err := t.saveHistory(); err != nil {
		return "", err
	}
	t.pending = make(map[string]*pendingFile)
	t.metrics.RecordCommit("session")

	if t.vectorStore != nil {
		go func(id, text string) {
			_ = t.vectorStore.Upsert(context.Background(), id, text)
		}(hash, summary)
	}

	return hash, nil
}

func (t *Tracker) writeSnapshots(hash string, paths []string) error {
	dir := filepath.Join(t.root, "snapshots", hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, p := range paths {
		content, _ := os.ReadFile(p)
		blobName := sanitiseForFilename(p)
		if err := os.WriteFile(filepath.Join(dir, blobName), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) writeCommitDiff(hash, diff string) error {
	return os.WriteFile(filepath.Join(t.root, "snapshots", hash, "_diff.txt"), []byte(diff), 0o644)
}

// GetHead returns the current head commit hash, or "" if there is no
// history yet.
func (t *Tracker) GetHead() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// GetHistory returns the full linear commit list, oldest first.
func (t *Tracker) GetHistory() []Commit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Commit, len(t.history))
	copy(out, t.history)
	return out
}

// GetCommitDiff returns the stored unified diff for hash.
func (t *Tracker) GetCommitDiff(hash string) (string, error) {
	data, err := os.ReadFile(filepath.Join(t.root, "snapshots", hash, "_diff.txt"))
	if err != nil {
		return "", fmt.Errorf("session: no diff recorded for commit %s: %w", hash, err)
	}
	return string(data), nil
}

// GetFileDiff diffs the content recorded for path by the most recent commit
// that touched it against the current working-tree file; reverse swaps the
// two sides.
func (t *Tracker) GetFileDiff(path string, reverse bool) (string, error) {
	abs := canonical(path)
	t.mu.Lock()
	history := t.history
	t.mu.Unlock()

	for i := len(history) - 1; i >= 0; i-- {
		c := history[i]
		for _, f := range c.ChangedFiles {
			if f != abs {
				continue
			}
			blob, err := os.ReadFile(filepath.Join(t.root, "snapshots", c.Hash, sanitiseForFilename(abs)))
			if err != nil {
				return "", err
			}
			current, _ := os.ReadFile(abs)
			if reverse {
				return unifiedDiff(abs, string(current), string(blob)), nil
			}
			return unifiedDiff(abs, string(blob), string(current)), nil
		}
	}
	return "", fmt.Errorf("session: no recorded history for %s", path)
}

// CheckoutCommit restores the files changed by hash itself to the content
// recorded in hash's snapshot. Files that only later commits changed are
// left as they are.
func (t *Tracker) CheckoutCommit(hash string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, c := range t.history {
		if c.Hash == hash {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", fmt.Errorf("session: unknown commit %s", hash)
	}

	target := t.history[idx]
	for _, f := range target.ChangedFiles {
		blob, err := os.ReadFile(filepath.Join(t.root, "snapshots", hash, sanitiseForFilename(f)))
		if err != nil {
			return "", fmt.Errorf("session: missing snapshot blob for %s at %s: %w", f, hash, err)
		}
		if err := os.WriteFile(f, blob, 0o644); err != nil {
			return "", err
		}
	}

	summary := fmt.Sprintf("restored %d file(s) to commit %s (%s)", len(target.ChangedFiles), hash, target.Summary)
	return summary, nil
}

// SaveConversation persists an agent's context-memory snapshot.
func (t *Tracker) SaveConversation(agentName string, data []byte) error {
	path := filepath.Join(t.root, "conversations", agentName+".json")
	return os.WriteFile(path, data, 0o644)
}

// LoadConversation loads a previously saved snapshot, or (nil, nil) if
// none exists yet.
func (t *Tracker) LoadConversation(agentName string) ([]byte, error) {
	path := filepath.Join(t.root, "conversations", agentName+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// SaveInputHistory persists the line-editor history.
func (t *Tracker) SaveInputHistory(lines []string) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.root, "input-history.json"), raw, 0o644)
}

// LoadInputHistory loads the line-editor history, or nil if none exists.
func (t *Tracker) LoadInputHistory() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(t.root, "input-history.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// AppendDialogue appends one structured entry to the dialogue log.
func (t *Tracker) AppendDialogue(entry DialogueEntry) error {
	f, err := os.OpenFile(filepath.Join(t.root, "dialogue.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(raw, '\n'))
	return err
}

func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}

func sanitiseForFilename(p string) string {
	return strings.ReplaceAll(strings.TrimPrefix(p, string(filepath.Separator)), string(filepath.Separator), "__")
}

func commitHash(parent, diff string, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write([]byte(diff))
	h.Write([]byte(ts.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:12]
}
