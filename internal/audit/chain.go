package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainRecord is the on-disk form of one chained audit entry.
type chainRecord struct {
	Seq      int64  `json:"seq"`
	Entry    Entry  `json:"entry"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// ChainWriter appends audit entries to a file where each record carries the
// SHA-256 hash of its predecessor, making retroactive edits detectable.
type ChainWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
	seq      int64
	logger   *logrus.Logger
}

// NewChainWriter opens (or creates) the chain file at path and resumes the
// chain from its last record.
func NewChainWriter(path string, logger *logrus.Logger) (*ChainWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit chain file: %w", err)
	}

	cw := &ChainWriter{
		path:     path,
		file:     file,
		prevHash: genesisHash,
		logger:   logger,
	}

	if err := cw.resume(); err != nil {
		logger.WithError(err).Warn("Failed to resume audit chain, starting fresh")
		cw.prevHash = genesisHash
		cw.seq = 0
	}

	return cw, nil
}

// Append writes one entry to the chain.
func (cw *ChainWriter) Append(entry Entry) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.seq++
	record := chainRecord{
		Seq:      cw.seq,
		Entry:    entry,
		PrevHash: cw.prevHash,
	}
	record.Hash = hashRecord(record)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	if _, err := cw.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := cw.file.Sync(); err != nil {
		cw.logger.WithError(err).Warn("Failed to sync audit chain file")
	}

	cw.prevHash = record.Hash
	return nil
}

// Close closes the underlying file.
func (cw *ChainWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.file.Close()
}

// resume restores seq and prevHash from the last record in the file.
func (cw *ChainWriter) resume() error {
	file, err := os.Open(cw.path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var last string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if last == "" {
		return nil
	}

	var record chainRecord
	if err := json.Unmarshal([]byte(last), &record); err != nil {
		return fmt.Errorf("failed to parse last audit record: %w", err)
	}

	cw.prevHash = record.Hash
	cw.seq = record.Seq
	cw.logger.WithField("seq", cw.seq).Info("Resumed audit chain")
	return nil
}

func hashRecord(record chainRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s",
		record.Seq,
		record.Entry.Timestamp.Format(time.RFC3339Nano),
		record.Entry.UserID,
		record.Entry.Action,
		record.Entry.Resource,
		record.Entry.IP,
		record.Entry.Result,
		record.PrevHash,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// VerifyChain walks a chain file and reports the first broken link, if any.
func VerifyChain(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audit chain file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prevHash := genesisHash
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}

		var record chainRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return fmt.Errorf("line %d: failed to parse record: %w", line, err)
		}

		if record.PrevHash != prevHash {
			return fmt.Errorf("line %d: chain break: prev_hash mismatch", line)
		}
		if hashRecord(record) != record.Hash {
			return fmt.Errorf("line %d: chain break: record hash mismatch", line)
		}

		prevHash = record.Hash
	}
	return scanner.Err()
}
