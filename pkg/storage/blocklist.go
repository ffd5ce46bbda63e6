package storage

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	blocklistRefreshInterval = 5 * time.Minute
)

// Blocklist decides which identifiers never reach the registry.
type Blocklist interface {
	// IsBlocked reports whether an id, serial or MAC is blocked. Matching is
	// case-insensitive.
	IsBlocked(id string) bool
	// Count returns the number of blocked identifiers.
	Count() int
	// Start begins any background refresh operations.
	Start()
	// Stop stops any background operations.
	Stop()
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NullBlocklist blocks nothing.
type NullBlocklist struct{}

// NewNullBlocklist creates a new null block-list.
func NewNullBlocklist() *NullBlocklist {
	return &NullBlocklist{}
}

func (b *NullBlocklist) IsBlocked(string) bool { return false }
func (b *NullBlocklist) Count() int            { return 0 }
func (b *NullBlocklist) Start()                {}
func (b *NullBlocklist) Stop()                 {}

// FileBlocklist loads identifiers from a text file, one per line.
// Blank lines and lines starting with '#' are ignored.
type FileBlocklist struct {
	logger   *zap.Logger
	filePath string
	ids      map[string]struct{}
	mu       sync.RWMutex
}

// NewFileBlocklist creates a block-list from filePath.
func NewFileBlocklist(logger *zap.Logger, filePath string) (*FileBlocklist, error) {
	b := &FileBlocklist{
		logger:   logger.Named("blocklist"),
		filePath: filePath,
		ids:      make(map[string]struct{}),
	}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads the file.
func (b *FileBlocklist) Reload() error {
	file, err := os.Open(b.filePath)
	if err != nil {
		return fmt.Errorf("open blocklist: %w", err)
	}
	defer file.Close()

	ids := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Allow trailing comments: "AA:BB:CC:DD:EE:FF  # neighbour's drone"
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		ids[normalizeIdentifier(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read blocklist: %w", err)
	}

	b.mu.Lock()
	b.ids = ids
	b.mu.Unlock()

	b.logger.Info("Loaded blocklist", zap.Int("count", len(ids)), zap.String("path", b.filePath))
	return nil
}

func (b *FileBlocklist) IsBlocked(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[normalizeIdentifier(id)]
	return ok
}

func (b *FileBlocklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

func (b *FileBlocklist) Start() {}
func (b *FileBlocklist) Stop()  {}

// DatabaseBlocklist loads identifiers from a database table and refreshes periodically.
// Uses a simple schema: SELECT identifier FROM blocked_ids
type DatabaseBlocklist struct {
	logger     *zap.Logger
	db         *sql.DB
	tableName  string
	interval   time.Duration
	ids        map[string]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	lastUpdate time.Time
}

// NewDatabaseBlocklist creates a block-list backed by tableName, "blocked_ids" if empty.
func NewDatabaseBlocklist(logger *zap.Logger, db *sql.DB, tableName string) *DatabaseBlocklist {
	if tableName == "" {
		tableName = "blocked_ids"
	}
	return &DatabaseBlocklist{
		logger:    logger.Named("blocklist"),
		db:        db,
		tableName: tableName,
		interval:  blocklistRefreshInterval,
		ids:       make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// Start loads the list and begins periodic refresh.
func (b *DatabaseBlocklist) Start() {
	b.refresh()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.refresh()
			case <-b.done:
				return
			}
		}
	}()
}

// Stop stops the refresh loop.
func (b *DatabaseBlocklist) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *DatabaseBlocklist) IsBlocked(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[normalizeIdentifier(id)]
	return ok
}

func (b *DatabaseBlocklist) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids)
}

// LastUpdate returns when the list was last loaded.
func (b *DatabaseBlocklist) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

func (b *DatabaseBlocklist) refresh() {
	start := time.Now()

	query := "SELECT identifier FROM " + b.tableName + " WHERE identifier IS NOT NULL AND identifier != ''"
	rows, err := b.db.Query(query)
	if err != nil {
		b.logger.Warn("Failed to query blocklist", zap.String("table", b.tableName), zap.Error(err))
		return
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids[normalizeIdentifier(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		b.logger.Warn("Blocklist row iteration error", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.ids = ids
	b.lastUpdate = time.Now()
	b.mu.Unlock()

	b.logger.Info("Loaded blocklist", zap.Int("count", len(ids)), zap.Duration("took", time.Since(start)))
}
