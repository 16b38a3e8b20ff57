package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ledger is an append-only, hash-chained event store backed by a JSONL
// file. Append is the sole mutator and is serialized; each append is
// fsynced before it returns. A partially written trailing line left by a
// crash is truncated on open.
type Ledger struct {
	mu   sync.RWMutex
	path string
	f    *os.File

	headSeq  uint64
	headHash string

	now func() time.Time
	log zerolog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log.With().Str("component", "ledger").Logger() }
}

// Open opens or creates the ledger file at path, recovering from trailing
// garbage left by a crash mid-append.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		headHash: GenesisHash,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	validLen, last, err := scanFile(path)
	if err != nil {
		return nil, err
	}

	info, statErr := os.Stat(path)
	if statErr == nil && info.Size() > validLen {
		l.log.Warn().
			Int64("valid_bytes", validLen).
			Int64("file_bytes", info.Size()).
			Msg("truncating partially written ledger tail")
		if err := os.Truncate(path, validLen); err != nil {
			return nil, fmt.Errorf("%w: truncate recovery: %v", ErrStorage, err)
		}
	}

	if last != nil {
		l.headSeq = last.Sequence
		l.headHash = last.Hash
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorage, err)
	}
	l.f = f
	return l, nil
}

// scanFile walks the JSONL file and returns the byte length of the valid
// prefix plus the last decodable entry. Only a *trailing* undecodable line
// is treated as crash garbage; decode failures elsewhere are integrity
// faults surfaced by Verify, not silently skipped here.
func scanFile(path string) (int64, *Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("%w: open for recovery scan: %v", ErrStorage, err)
	}
	defer f.Close()

	var (
		offset int64
		last   *Entry
	)
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// No trailing newline: the final write never completed.
			return offset, last, nil
		}
		if err != nil {
			return 0, nil, fmt.Errorf("%w: recovery scan: %v", ErrStorage, err)
		}

		entry, decErr := decodeEntry(line)
		if decErr != nil {
			// Undecodable but newline-terminated: only acceptable as the
			// very last line (crash between write and sync).
			if _, peekErr := reader.Peek(1); peekErr == io.EOF {
				return offset, last, nil
			}
			return 0, nil, &IntegrityError{Sequence: 0, Reason: fmt.Sprintf("undecodable interior entry after offset %d", offset)}
		}
		last = &entry
		offset += int64(len(line))
	}
}

func decodeEntry(line []byte) (Entry, error) {
	var entry Entry
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return Entry{}, err
	}
	if entry.Sequence == 0 || entry.Hash == "" {
		return Entry{}, fmt.Errorf("missing sequence or hash")
	}
	return entry, nil
}

// Append writes one entry and fsyncs before returning. On any storage
// error the entry must be treated as not recorded.
func (l *Ledger) Append(eventType, actor string, details map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Sequence:  l.headSeq + 1,
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Actor:     actor,
		Details:   details,
		PrevHash:  l.headHash,
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: hash entry: %v", ErrStorage, err)
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: encode entry: %v", ErrStorage, err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return Entry{}, fmt.Errorf("%w: write: %v", ErrStorage, err)
	}
	if err := l.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}

	l.headSeq = entry.Sequence
	l.headHash = entry.Hash
	return entry, nil
}

// Head returns the current head sequence and hash.
func (l *Ledger) Head() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headSeq, l.headHash
}

// Read returns entries with from <= sequence <= to. to == 0 means head.
func (l *Ledger) Read(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readLocked(from, to)
}

func (l *Ledger) readLocked(from, to uint64) ([]Entry, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = l.headSeq
	}
	if to > l.headSeq || from > to {
		if l.headSeq == 0 && from == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: [%d,%d] with head %d", ErrSequenceRange, from, to, l.headSeq)
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open for read: %v", ErrStorage, err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		entry, err := decodeEntry(scanner.Bytes())
		if err != nil {
			return nil, &IntegrityError{Sequence: 0, Reason: "undecodable entry"}
		}
		if entry.Sequence < from {
			continue
		}
		if entry.Sequence > to {
			break
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
	}
	return out, nil
}

// Verify recomputes the hash chain over [from,to] and fails closed: the
// first divergence is reported as an *IntegrityError carrying the
// offending sequence number.
func (l *Ledger) Verify(from, to uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = l.headSeq
	}
	if to == 0 {
		return nil // empty ledger is trivially intact
	}

	// Anchor prev_hash: genesis at the start, otherwise the stored hash of
	// the entry before the range.
	prevHash := GenesisHash
	start := from
	if from > 1 {
		anchor, err := l.readLocked(from-1, from-1)
		if err != nil {
			return err
		}
		if len(anchor) != 1 {
			return &IntegrityError{Sequence: from - 1, Reason: "missing anchor entry"}
		}
		prevHash = anchor[0].Hash
	}

	entries, err := l.readLocked(start, to)
	if err != nil {
		return err
	}

	expectSeq := from
	for _, entry := range entries {
		if entry.Sequence != expectSeq {
			return &IntegrityError{Sequence: expectSeq, Reason: fmt.Sprintf("sequence gap: found %d", entry.Sequence)}
		}
		if entry.PrevHash != prevHash {
			return &IntegrityError{Sequence: entry.Sequence, Reason: "prev_hash does not match predecessor hash"}
		}
		computed, err := ComputeHash(entry)
		if err != nil {
			return &IntegrityError{Sequence: entry.Sequence, Reason: fmt.Sprintf("hash recompute failed: %v", err)}
		}
		if computed != entry.Hash {
			return &IntegrityError{Sequence: entry.Sequence, Reason: "stored hash does not match recomputed hash"}
		}
		prevHash = entry.Hash
		expectSeq++
	}
	if expectSeq != to+1 {
		return &IntegrityError{Sequence: expectSeq, Reason: "range ended before requested upper bound"}
	}
	return nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
