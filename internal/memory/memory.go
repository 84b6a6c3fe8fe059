// Package memory implements the Tiered Context Memory described in
// spec.md §4.2 (and §3's ContextMemoryEntry): a brain-inspired
// promotion-only policy that compresses conversation history into
// short/medium/long/latent tiers so the model's context window never
// grows unbounded.
package memory

import (
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/koirun/koi/internal/telemetry"
)

// Tier is one of the four monotonic promotion states.
type Tier int

const (
	ShortTerm Tier = iota
	MediumTerm
	LongTerm
	Latent
)

func (t Tier) String() string {
	switch t {
	case ShortTerm:
		return "short-term"
	case MediumTerm:
		return "medium-term"
	case LongTerm:
		return "long-term"
	case Latent:
		return "latent"
	default:
		return "unknown"
	}
}

// Role is the speaker of an entry.
type Role string

const (
	System    Role = "system"
	User      Role = "user"
	Assistant Role = "assistant"
)

// Entry is one ordered record in the transcript, carrying three
// progressively more compressed content variants. Only immediate is
// required in short-term, only shortTerm in medium-term, only permanent in
// long-term and latent; once a field is dropped on demotion it is never
// resurrected.
type Entry struct {
	Tier      Tier
	Role      Role
	Immediate string
	ShortTerm string
	Permanent string

	CreatedIndex int
	AccessCount  int
}

// Summarizer compresses an entry's content into a shorter form on
// promotion, when the target tier's content variant is not already
// populated. In production this calls the LLM provider collaborator; tests
// may supply a deterministic stub.
type Summarizer interface {
	Summarize(entry Entry, target Tier) (string, error)
}

// Thresholds configures the promotion policy (spec.md §4.2 table).
type Thresholds struct {
	// N: the N most recent entries stay short-term.
	N int
	// M: the M entries after those N are medium-term; short-term entries
	// do not count toward this window.
	M int
	// L: entries past the N+M window are long-term while they are still
	// among the L most recent entries (counted across all tiers); older
	// ones are demoted into the latent pool.
	L int
}

// DefaultThresholds matches spec.md's literal N=6, M=20, L=40.
var DefaultThresholds = Thresholds{N: 6, M: 20, L: 40}

// Memory holds the ordered transcript plus the latent pool.
type Memory struct {
	entries      []*Entry
	latentPool   []*Entry
	nextIndex    int
	thresholds   Thresholds
	summarizer   Summarizer
	systemPrompt string

	agent   string
	metrics *telemetry.Metrics
}

// New creates an empty Memory.
func New(thresholds Thresholds, summarizer Summarizer) *Memory {
	return &Memory{thresholds: thresholds, summarizer: summarizer}
}

// SetSystemPrompt sets the system prompt prefixed to ToMessages output.
func (m *Memory) SetSystemPrompt(prompt string) { m.systemPrompt = prompt }

// SetMetrics wires the tier-promotion counters (spec.md §4.2's Tick is the
// only place promotions happen) to agent's label on every future Tick call.
func (m *Memory) SetMetrics(agent string, metrics *telemetry.Metrics) {
	m.agent = agent
	m.metrics = metrics
}

// Append adds a new entry starting in short-term tier with Immediate
// populated, in strict program order.
func (m *Memory) Append(role Role, immediate string) *Entry {
	e := &Entry{
		Tier:         ShortTerm,
		Role:         role,
		Immediate:    immediate,
		CreatedIndex: m.nextIndex,
	}
	m.nextIndex++
	m.entries = append(m.entries, e)
	return e
}

// Len returns the number of entries still in the ordered list (excludes the
// latent pool).
func (m *Memory) Len() int { return len(m.entries) }

// LatentLen returns the number of entries parked in the latent pool.
func (m *Memory) LatentLen() int { return len(m.latentPool) }

// Tick runs one promotion pass over the whole ordered list: an entry's age
// (distance from the newest entry) determines its tier — the N most recent
// stay short-term, the next M age into medium-term, the next entries up to
// a total active window of L age into long-term, and anything older than
// that active window is demoted into the latent pool. Recomputing from
// position on every tick (rather than tracking partial promotions
// incrementally) keeps the policy monotonic for free: age only grows as
// new entries are appended, so a entry's tier can only move forward along
// short→medium→long→latent. Called once per loop iteration after an
// action, per spec.md §4.2.
func (m *Memory) Tick() error {
	n := len(m.entries)
	kept := make([]*Entry, 0, n)
	for idx, e := range m.entries {
		before := e.Tier
		age := n - 1 - idx
		switch {
		case age < m.thresholds.N:
			e.Tier = ShortTerm
			kept = append(kept, e)
		case age < m.thresholds.N+m.thresholds.M:
			if e.ShortTerm == "" {
				summary, err := m.summarize(e, MediumTerm)
				if err != nil {
					return err
				}
				e.ShortTerm = summary
			}
			e.Tier = MediumTerm
			kept = append(kept, e)
		case age < m.thresholds.L:
			if e.Permanent == "" {
				summary, err := m.summarize(e, LongTerm)
				if err != nil {
					return err
				}
				e.Permanent = summary
			}
			e.Tier = LongTerm
			kept = append(kept, e)
		default:
			if e.Permanent == "" {
				summary, err := m.summarize(e, LongTerm)
				if err != nil {
					return err
				}
				e.Permanent = summary
			}
			e.Tier = Latent
			m.latentPool = append(m.latentPool, &Entry{
				Tier:         Latent,
				Role:         e.Role,
				Permanent:    e.Permanent,
				CreatedIndex: e.CreatedIndex,
				AccessCount:  e.AccessCount,
			})
		}
		if e.Tier != before {
			m.metrics.RecordPromotion(m.agent, e.Tier.String())
		}
	}
	m.entries = kept

	m.metrics.SetTierSize(m.agent, ShortTerm.String(), tierCount(kept, ShortTerm))
	m.metrics.SetTierSize(m.agent, MediumTerm.String(), tierCount(kept, MediumTerm))
	m.metrics.SetTierSize(m.agent, LongTerm.String(), tierCount(kept, LongTerm))
	m.metrics.SetTierSize(m.agent, Latent.String(), len(m.latentPool))
	return nil
}

func tierCount(entries []*Entry, tier Tier) int {
	n := 0
	for _, e := range entries {
		if e.Tier == tier {
			n++
		}
	}
	return n
}

func (m *Memory) summarize(e *Entry, target Tier) (string, error) {
	if m.summarizer == nil {
		return fallbackSummary(e), nil
	}
	return m.summarizer.Summarize(*e, target)
}

func fallbackSummary(e *Entry) string {
	src := e.Immediate
	if src == "" {
		src = e.ShortTerm
	}
	if len(src) > 120 {
		return src[:120] + "…"
	}
	return src
}

// Message is one rendered line handed to the LLM provider.
type Message struct {
	Role    Role
	Content string
}

// ToMessages renders the transcript the LLM provider consumes: system
// prompt, then each entry's tier-appropriate content in creation order,
// then a final block summarising the latent pool.
func (m *Memory) ToMessages() []Message {
	var out []Message
	if m.systemPrompt != "" {
		out = append(out, Message{Role: System, Content: m.systemPrompt})
	}
	for _, e := range m.entries {
		e.AccessCount++
		out = append(out, Message{Role: e.Role, Content: tierContent(e)})
	}
	if len(m.latentPool) > 0 {
		out = append(out, Message{Role: System, Content: latentSummary(m.latentPool)})
	}
	return out
}

func tierContent(e *Entry) string {
	switch e.Tier {
	case ShortTerm:
		return e.Immediate
	case MediumTerm:
		return e.ShortTerm
	case LongTerm:
		return e.Permanent
	default:
		return e.Permanent
	}
}

// EstimatedTokens returns a rough token count for the current ToMessages()
// output, using the same cl100k_base encoding the LLM provider collaborator
// typically charges against. This is a diagnostic only — the tiering
// thresholds above are count-based, not token-based; callers may log this
// to notice when a turn is getting expensive despite a healthy entry count.
func (m *Memory) EstimatedTokens() int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}
	total := 0
	for _, msg := range m.ToMessages() {
		total += len(enc.Encode(msg.Content, nil, nil))
	}
	return total
}

func latentSummary(pool []*Entry) string {
	out := fmt.Sprintf("[%d earlier exchanges, summarised]:", len(pool))
	for _, e := range pool {
		out += "\n- " + e.Permanent
	}
	return out
}

// snapshot is the JSON-encodable form of Memory, per spec.md §4.2's
// restore/serialize contract.
type snapshot struct {
	Version    int      `json:"version"`
	Entries    []*Entry `json:"entries"`
	LatentPool []*Entry `json:"latentPool"`
	NextIndex  int      `json:"nextIndex"`
}

const snapshotVersion = 1

// Serialize encodes the full state as JSON so the session tracker can
// persist it between CLI turns.
func (m *Memory) Serialize() ([]byte, error) {
	return json.Marshal(snapshot{
		Version:    snapshotVersion,
		Entries:    m.entries,
		LatentPool: m.latentPool,
		NextIndex:  m.nextIndex,
	})
}

// Restore reloads a snapshot produced by Serialize.
func (m *Memory) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("memory: restore: %w", err)
	}
	m.entries = snap.Entries
	m.latentPool = snap.LatentPool
	m.nextIndex = snap.NextIndex
	return nil
}
