package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash of the first entry in a new chain log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const maxLineSize = 1 << 20

// ChainLog is an append-only JSONL file where each line carries the hash
// of the line before it, so edits and deletions are detectable.
type ChainLog struct {
	path     string
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// OpenChainLog opens or creates path and recovers the chain tail.
func OpenChainLog(path string) (*ChainLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	if last, err := lastLine(path); err != nil {
		return nil, err
	} else if len(last) > 0 {
		prevHash = HashLine(last)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open chain log: %w", err)
	}
	return &ChainLog{path: path, file: file, prevHash: prevHash}, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read chain log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var last []byte
	for scanner.Scan() {
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan chain log: %w", err)
	}
	return last, nil
}

// Path returns the file location.
func (c *ChainLog) Path() string { return c.path }

// WriteEvent appends ev and fsyncs. It implements Sink.
func (c *ChainLog) WriteEvent(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return fmt.Errorf("audit: chain log %s is closed", c.path)
	}

	entry := EntryOf(ev)
	entry.PrevHash = c.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	c.prevHash = HashLine(line)
	return nil
}

// Close closes the file. Further writes fail.
func (c *ChainLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// VerifyChain walks a chain log and reports the first broken link.
func VerifyChain(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	expected := GenesisHash
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Lines: lineNum - 1, Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if entry.PrevHash != expected {
			return VerifyResult{
				Lines:     lineNum - 1,
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash),
				ErrorLine: lineNum,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Lines: lineNum, Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}
