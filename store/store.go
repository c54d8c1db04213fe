package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	blockFilePrefix = "rollup_block_"
	blockFileSuffix = ".json"
	indexFileName   = "index.db"

	// DefaultHistoryFileName is the process-wide append-only pin log.
	DefaultHistoryFileName = "ipfs_commit_history.json"
)

// ErrNotFound is returned by Get for unknown block ids.
var ErrNotFound = errors.New("block not found")

// ContentPinner is the external content-addressed storage collaborator.
// All calls are best-effort from the store's point of view: local
// persistence never depends on them.
type ContentPinner interface {
	Fetch(handle string) ([]byte, error)
	Add(data []byte) (string, error)
	Pin(handle string) (bool, error)
}

// Store persists rollup block records as content-addressed JSON files and
// keeps watcher progress plus the pin history in a bbolt index beside
// them. Block writes are atomic (write-then-rename); readers never observe
// a partially written record.
type Store struct {
	rootPath    string
	historyPath string
	pinner      ContentPinner
	logger      *slog.Logger
	index       *index
}

// Open creates the store root if needed and opens the bbolt index.
// pinner may be nil, disabling external replication.
func Open(rootPath string, historyPath string, pinner ContentPinner, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(rootPath) == "" {
		return nil, errors.New("store root path required")
	}
	if err := os.MkdirAll(rootPath, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if historyPath == "" {
		historyPath = filepath.Join(rootPath, DefaultHistoryFileName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx, err := openIndex(filepath.Join(rootPath, indexFileName))
	if err != nil {
		return nil, err
	}
	return &Store{
		rootPath:    rootPath,
		historyPath: historyPath,
		pinner:      pinner,
		logger:      logger,
		index:       idx,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.index == nil {
		return nil
	}
	return s.index.close()
}

func (s *Store) blockPath(id string) string {
	return filepath.Join(s.rootPath, blockFilePrefix+id+blockFileSuffix)
}

// Put persists the block under id, computing the content-addressed id
// when none is supplied. Identical content with the same id overwrites in
// place. External pinning is attempted after the local write and never
// fails the call.
func (s *Store) Put(block *RollupBlock, id string) (string, error) {
	if s == nil {
		return "", errors.New("nil store")
	}
	if err := ValidateBlock(block); err != nil {
		return "", fmt.Errorf("invalid block record: %w", err)
	}
	canonical, err := block.CanonicalEncoding()
	if err != nil {
		return "", fmt.Errorf("encode block record: %w", err)
	}
	if id == "" {
		id = ComputeBlockID(canonical)
	}
	if err := validBlockID(id); err != nil {
		return "", err
	}
	if err := writeFileAtomic(s.blockPath(id), append(canonical, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write block %s: %w", id, err)
	}
	s.pinBestEffort(id, canonical)
	return id, nil
}

// pinBestEffort replicates the record externally and records the handle
// in the pin history once the collaborator accepts the pin. Failures are
// logged only; local durability already happened.
func (s *Store) pinBestEffort(id string, canonical []byte) {
	if s.pinner == nil {
		return
	}
	handle, err := s.pinner.Add(canonical)
	if err != nil {
		s.logger.Warn("content-store add failed", "block_id", id, "error", err.Error())
		return
	}
	accepted, err := s.pinner.Pin(handle)
	if err != nil {
		s.logger.Warn("content-store pin failed", "block_id", id, "handle", handle, "error", err.Error())
		return
	}
	if !accepted {
		s.logger.Warn("content-store pin rejected", "block_id", id, "handle", handle)
		return
	}
	if err := s.AppendPinHistory(handle); err != nil {
		s.logger.Warn("pin history append failed", "block_id", id, "handle", handle, "error", err.Error())
		return
	}
	s.logger.Info("block pinned", "block_id", id, "handle", handle)
}

// Get loads and validates the block record for id.
func (s *Store) Get(id string) (*RollupBlock, error) {
	if err := validBlockID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.blockPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var block RollupBlock
	if err := block.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("block %s: %w", id, err)
	}
	if err := ValidateBlock(&block); err != nil {
		return nil, fmt.Errorf("block %s: %w", id, err)
	}
	return &block, nil
}

// List returns all stored block ids, lexicographically sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.rootPath)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, blockFilePrefix) || !strings.HasSuffix(name, blockFileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, blockFilePrefix), blockFileSuffix)
		// Derived artifacts share the rollup_block_ prefix; only bare
		// ids are block records.
		if validBlockID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ImportFromContentStore fetches a record by its external handle,
// recomputes the truncated content hash, and stores the record locally
// under the computed id. A hash mismatch is logged, not fatal: the fetched
// content is stored either way.
func (s *Store) ImportFromContentStore(handle string) (*RollupBlock, string, error) {
	if s == nil || s.pinner == nil {
		return nil, "", errors.New("no content-store collaborator configured")
	}
	raw, err := s.pinner.Fetch(handle)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", handle, err)
	}
	var block RollupBlock
	if err := block.UnmarshalJSON(raw); err != nil {
		return nil, "", fmt.Errorf("fetched record %s: %w", handle, err)
	}
	canonical, err := block.CanonicalEncoding()
	if err != nil {
		return nil, "", err
	}
	actual := ComputeBlockID(canonical)
	if expected := truncatedHandle(handle); expected != actual {
		s.logger.Warn("content hash mismatch",
			"handle", handle, "expected", expected, "actual", actual)
	} else {
		s.logger.Info("content hash matches fetched record", "handle", handle, "block_id", actual)
	}
	id, err := s.Put(&block, actual)
	if err != nil {
		return nil, "", err
	}
	return &block, id, nil
}

func truncatedHandle(handle string) string {
	if len(handle) <= BlockIDHexLen {
		return handle
	}
	return handle[:BlockIDHexLen]
}

func validBlockID(id string) error {
	if len(id) != BlockIDHexLen {
		return fmt.Errorf("invalid block id %q: expected %d hex chars", id, BlockIDHexLen)
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("invalid block id %q: non-hex character", id)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
