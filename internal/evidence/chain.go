package evidence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/osiriscare/appliance/internal/clock"
)

// Link records one bundle's position in the local hash chain.
type Link struct {
	Index       int    `json:"index"`
	Timestamp   string `json:"timestamp"`
	BundleID    string `json:"bundle_id"`
	ContentHash string `json:"content_hash"`
	PrevHash    string `json:"prev_hash"`
	// SegmentStart marks the genesis link of a new chain segment started
	// after a break was detected; it carries the last-known-good hash of
	// the prior segment as metadata, never silently repairing the break.
	SegmentStart    bool   `json:"segment_start,omitempty"`
	PriorSegmentTip string `json:"prior_segment_tip,omitempty"`
}

// Chain is the append-only local hash chain: the Evidence Generator's
// exclusive resource, per spec's ownership summary. The tip is protected
// by a mutex held only for the duration of a link append.
type Chain struct {
	mu          sync.Mutex
	path        string
	clock       clock.Clock
	links       []Link
	tipHash     string
	nextIdx     int
	pendingSeg  *Link // set by StartNewSegment, folded into the next Append
}

// OpenChain loads an existing chain.jsonl (if present) and positions the
// in-memory tip at its last link, or starts a fresh genesis segment.
func OpenChain(path string, c clock.Clock) (*Chain, error) {
	ch := &Chain{path: path, clock: c, tipHash: GenesisHash}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ch, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open chain file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var link Link
		if err := json.Unmarshal(line, &link); err != nil {
			return nil, fmt.Errorf("parse chain line %d: %w", len(ch.links), err)
		}
		ch.links = append(ch.links, link)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan chain file: %w", err)
	}
	if len(ch.links) > 0 {
		last := ch.links[len(ch.links)-1]
		ch.tipHash = last.ContentHash
		ch.nextIdx = last.Index + 1
	}
	return ch, nil
}

// Append links a newly-sealed bundle to the chain tip and persists the
// link, fsync'd, before returning — the chain is append-only.
func (ch *Chain) Append(b *Bundle) (Link, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if b.ContentHash == "" {
		return Link{}, fmt.Errorf("bundle %s is not sealed", b.BundleID)
	}
	// PrevHash is assigned here, after sealing, so it never participates in
	// the bundle's own ContentHash.
	b.PrevHash = ch.tipHash

	link := Link{
		Index:       ch.nextIdx,
		Timestamp:   ch.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		BundleID:    b.BundleID,
		ContentHash: b.ContentHash,
		PrevHash:    b.PrevHash,
	}
	if ch.pendingSeg != nil {
		link.SegmentStart = true
		link.PriorSegmentTip = ch.pendingSeg.PriorSegmentTip
		ch.pendingSeg = nil
	}

	if err := ch.appendToFile(link); err != nil {
		return Link{}, err
	}

	ch.links = append(ch.links, link)
	ch.tipHash = link.ContentHash
	ch.nextIdx++
	return link, nil
}

func (ch *Chain) appendToFile(link Link) error {
	if err := os.MkdirAll(filepath.Dir(ch.path), 0700); err != nil {
		return fmt.Errorf("create chain dir: %w", err)
	}
	f, err := os.OpenFile(ch.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open chain file for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write link: %w", err)
	}
	return f.Sync()
}

// StartNewSegment is called after VerifyChain reports a break: it does not
// repair the broken segment, it freezes it and opens a fresh one whose
// genesis link's PrevHash is GenesisHash again, carrying the last-known-
// good hash forward only as metadata.
func (ch *Chain) StartNewSegment() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	priorTip := ch.tipHash
	ch.tipHash = GenesisHash
	ch.pendingSeg = &Link{PriorSegmentTip: priorTip}
}

// VerifyAgainstStore recomputes every linked bundle's content hash from the
// copy on disk and compares it to the hash recorded in its chain link.
// VerifyChain alone only checks that each link's prev_hash matches the
// previous link's content_hash — a bundle mutated after sealing leaves its
// own link record untouched and is invisible to that check. Reading a
// bundle back through st and re-deriving its hash is the only way to catch
// that. Returns the index of the first link whose bundle no longer matches,
// or -1 if every bundle still hashes to its recorded content_hash.
func (ch *Chain) VerifyAgainstStore(st *Store) (int, error) {
	for i, link := range ch.Links() {
		b, err := st.ReadBundle(link.BundleID)
		if err != nil {
			return -1, fmt.Errorf("read bundle %s for link %d: %w", link.BundleID, i, err)
		}
		hash, err := b.ComputeContentHash()
		if err != nil {
			return -1, fmt.Errorf("recompute content hash for bundle %s: %w", link.BundleID, err)
		}
		if hash != link.ContentHash {
			return i, nil
		}
	}
	return -1, nil
}

// VerifyAndRecover runs VerifyAgainstStore and, if it finds a mismatch,
// freezes the chain at its current tip and starts a new segment so no
// further bundle is ever appended onto a compromised history. Returns the
// offending index (or -1 if the chain is intact) alongside any I/O error
// encountered while reading bundles back.
func (ch *Chain) VerifyAndRecover(st *Store) (int, error) {
	idx, err := ch.VerifyAgainstStore(st)
	if err != nil {
		return -1, err
	}
	if idx >= 0 {
		ch.StartNewSegment()
	}
	return idx, nil
}

// VerifyChain walks links end-to-end and returns the index of the first
// break (prev_hash mismatch), or -1 if the chain is intact.
func VerifyChain(links []Link) int {
	expected := GenesisHash
	for i, link := range links {
		if link.SegmentStart {
			expected = GenesisHash
		}
		if link.PrevHash != expected {
			return i
		}
		expected = link.ContentHash
	}
	return -1
}

// Links returns a copy of the chain's links loaded so far, for verification
// or audit export.
func (ch *Chain) Links() []Link {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]Link, len(ch.links))
	copy(out, ch.links)
	return out
}
