package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000

	// maxCachedPositions bounds the flight path kept per cached encounter.
	maxCachedPositions = 256
)

// Schema creates the tables PostgresStore and DatabaseBlocklist use.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS encounters (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		first_seen       TIMESTAMPTZ NOT NULL,
		last_seen        TIMESTAMPTZ NOT NULL,
		max_rssi         DOUBLE PRECISION,
		id_type          TEXT NOT NULL DEFAULT '',
		caa_registration TEXT NOT NULL DEFAULT '',
		manufacturer     TEXT NOT NULL DEFAULT '',
		mac              TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		pilot_lat        DOUBLE PRECISION,
		pilot_lon        DOUBLE PRECISION,
		home_lat         DOUBLE PRECISION,
		home_lon         DOUBLE PRECISION,
		ring_radius      DOUBLE PRECISION,
		ring_rssi        DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS encounter_positions (
		encounter_id TEXT NOT NULL REFERENCES encounters(id) ON DELETE CASCADE,
		lat          DOUBLE PRECISION NOT NULL,
		lon          DOUBLE PRECISION NOT NULL,
		alt          DOUBLE PRECISION NOT NULL DEFAULT 0,
		observed_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS encounter_positions_encounter_idx ON encounter_positions (encounter_id, observed_at)`,
	`CREATE TABLE IF NOT EXISTS blocked_ids (
		identifier TEXT PRIMARY KEY,
		note       TEXT NOT NULL DEFAULT ''
	)`,
}

type opKind int

const (
	opSave opKind = iota
	opPilot
	opHome
)

type op struct {
	kind opKind
	det  *models.Detection
	ring *models.AlertRing
	id   string
	pos  models.Position
}

// PostgresStore writes encounters to PostgreSQL in batches and keeps an
// in-memory copy for lookups.
type PostgresStore struct {
	logger *zap.Logger
	db     *sql.DB
	queue  chan op
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool

	cacheMu sync.RWMutex
	cache   map[string]*Encounter

	// Stats
	opsWritten     atomic.Uint64
	opsDropped     atomic.Uint64
	batchesWritten atomic.Uint64
}

// NewPostgresStore connects to databaseURL.
func NewPostgresStore(logger *zap.Logger, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL database")
	return NewPostgresStoreFromDB(logger, db), nil
}

// NewPostgresStoreFromDB wraps an open database handle. The store closes it on Stop.
func NewPostgresStoreFromDB(logger *zap.Logger, db *sql.DB) *PostgresStore {
	return &PostgresStore{
		logger: logger.Named("storage"),
		db:     db,
		queue:  make(chan op, queueSize),
		done:   make(chan struct{}),
		cache:  make(map[string]*Encounter),
	}
}

// DB exposes the handle so other components can share the pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Start begins the background writer goroutine.
func (s *PostgresStore) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.writerLoop()
	s.logger.Info("Encounter writer started")
}

// Stop flushes queued writes and closes the database.
func (s *PostgresStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.db.Close()
	s.logger.Info("Encounter writer stopped",
		zap.Uint64("written", s.opsWritten.Load()),
		zap.Uint64("dropped", s.opsDropped.Load()),
		zap.Uint64("batches", s.batchesWritten.Load()))
}

// SaveEncounter implements EncounterStore.
func (s *PostgresStore) SaveEncounter(d *models.Detection, ring *models.AlertRing) {
	if d == nil {
		return
	}
	d = d.Clone()
	var ringCopy *models.AlertRing
	if ring != nil {
		r := *ring
		ringCopy = &r
	}
	s.remember(d, ringCopy)
	s.enqueue(op{kind: opSave, det: d, ring: ringCopy})
}

// UpdatePilotLocation implements EncounterStore.
func (s *PostgresStore) UpdatePilotLocation(id string, pos models.Position) {
	s.updateCached(id, func(e *Encounter) { e.Pilot = pos })
	s.enqueue(op{kind: opPilot, id: id, pos: pos})
}

// UpdateHomeLocation implements EncounterStore.
func (s *PostgresStore) UpdateHomeLocation(id string, pos models.Position) {
	s.updateCached(id, func(e *Encounter) { e.Home = pos })
	s.enqueue(op{kind: opHome, id: id, pos: pos})
}

func (s *PostgresStore) enqueue(o op) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		s.opsDropped.Add(1)
		return
	}

	select {
	case s.queue <- o:
	default:
		// Queue full, drop
		if n := s.opsDropped.Add(1); n%1000 == 0 {
			s.logger.Warn("Encounter queue full", zap.Uint64("dropped", n))
		}
	}
}

// Lookup returns the cached encounter for id.
func (s *PostgresStore) Lookup(id string) (Encounter, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	e, ok := s.cache[id]
	if !ok {
		return Encounter{}, false
	}
	out := *e
	out.Positions = append([]models.Position(nil), e.Positions...)
	return out, true
}

func (s *PostgresStore) remember(d *models.Detection, ring *models.AlertRing) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	e, ok := s.cache[d.ID]
	if !ok {
		e = &Encounter{ID: d.ID, Kind: d.Kind(), FirstSeen: d.LastUpdated, MaxRSSI: d.RSSI}
		s.cache[d.ID] = e
	}
	e.LastSeen = d.LastUpdated
	if d.RSSI != 0 && (e.MaxRSSI == 0 || d.RSSI > e.MaxRSSI) {
		e.MaxRSSI = d.RSSI
	}
	keep(&e.IDType, d.IDType)
	keep(&e.CAARegistration, d.CAARegistration)
	keep(&e.Manufacturer, d.Manufacturer)
	keep(&e.MAC, d.MAC)
	keep(&e.Description, d.Description)
	if d.Pilot.HasFix() {
		e.Pilot = d.Pilot
	}
	if d.Home.HasFix() {
		e.Home = d.Home
	}
	if d.Position.HasFix() {
		e.Positions = append(e.Positions, d.Position)
		if len(e.Positions) > maxCachedPositions {
			e.Positions = e.Positions[len(e.Positions)-maxCachedPositions:]
		}
	}
	e.Ring = ring
}

func (s *PostgresStore) updateCached(id string, fn func(*Encounter)) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if e, ok := s.cache[id]; ok {
		fn(e)
	}
}

func keep(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Stats returns writer statistics.
func (s *PostgresStore) Stats() map[string]interface{} {
	s.cacheMu.RLock()
	cached := len(s.cache)
	s.cacheMu.RUnlock()
	return map[string]interface{}{
		"ops_written":     s.opsWritten.Load(),
		"ops_dropped":     s.opsDropped.Load(),
		"batches_written": s.batchesWritten.Load(),
		"queue_len":       len(s.queue),
		"queue_cap":       cap(s.queue),
		"cached":          cached,
	}
}

func (s *PostgresStore) writerLoop() {
	defer s.wg.Done()

	batch := make([]op, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-s.queue:
			batch = append(batch, o)
			if len(batch) >= batchSize {
				s.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.writeBatch(batch)
				batch = batch[:0]
			}

		case <-s.done:
			// Flush remaining operations
			close(s.queue)
			for o := range s.queue {
				batch = append(batch, o)
				if len(batch) >= batchSize {
					s.writeBatch(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				s.writeBatch(batch)
			}
			return
		}
	}
}

func (s *PostgresStore) writeBatch(batch []op) {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("Failed to begin transaction", zap.Error(err))
		return
	}
	defer tx.Rollback()

	written := 0
	for _, o := range batch {
		if err := s.writeOp(tx, o); err != nil {
			s.logger.Warn("Failed to write encounter", zap.Error(err))
			continue
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit batch", zap.Error(err))
		return
	}

	s.opsWritten.Add(uint64(written))
	s.batchesWritten.Add(1)
}

func nullable(v float64, valid bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: valid}
}

func (s *PostgresStore) writeOp(tx *sql.Tx, o op) error {
	switch o.kind {
	case opPilot:
		_, err := tx.Exec(`UPDATE encounters SET pilot_lat = $1, pilot_lon = $2 WHERE id = $3`, o.pos.Lat, o.pos.Lon, o.id)
		return err
	case opHome:
		_, err := tx.Exec(`UPDATE encounters SET home_lat = $1, home_lon = $2 WHERE id = $3`, o.pos.Lat, o.pos.Lon, o.id)
		return err
	}

	d := o.det
	var ringRadius, ringRSSI sql.NullFloat64
	if o.ring != nil {
		ringRadius = nullable(o.ring.Radius, true)
		ringRSSI = nullable(o.ring.RSSI, true)
	}

	_, err := tx.Exec(`
		INSERT INTO encounters (
			id, kind, first_seen, last_seen, max_rssi,
			id_type, caa_registration, manufacturer, mac, description,
			pilot_lat, pilot_lon, home_lat, home_lon,
			ring_radius, ring_rssi
		) VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			max_rssi = GREATEST(encounters.max_rssi, EXCLUDED.max_rssi),
			id_type = COALESCE(NULLIF(EXCLUDED.id_type, ''), encounters.id_type),
			caa_registration = COALESCE(NULLIF(EXCLUDED.caa_registration, ''), encounters.caa_registration),
			manufacturer = COALESCE(NULLIF(EXCLUDED.manufacturer, ''), encounters.manufacturer),
			mac = COALESCE(NULLIF(EXCLUDED.mac, ''), encounters.mac),
			description = COALESCE(NULLIF(EXCLUDED.description, ''), encounters.description),
			pilot_lat = COALESCE(EXCLUDED.pilot_lat, encounters.pilot_lat),
			pilot_lon = COALESCE(EXCLUDED.pilot_lon, encounters.pilot_lon),
			home_lat = COALESCE(EXCLUDED.home_lat, encounters.home_lat),
			home_lon = COALESCE(EXCLUDED.home_lon, encounters.home_lon),
			ring_radius = EXCLUDED.ring_radius,
			ring_rssi = EXCLUDED.ring_rssi
	`,
		d.ID,
		string(d.Kind()),
		d.LastUpdated,
		nullable(d.RSSI, d.RSSI != 0),
		d.IDType,
		d.CAARegistration,
		d.Manufacturer,
		d.MAC,
		d.Description,
		nullable(d.Pilot.Lat, d.Pilot.HasFix()),
		nullable(d.Pilot.Lon, d.Pilot.HasFix()),
		nullable(d.Home.Lat, d.Home.HasFix()),
		nullable(d.Home.Lon, d.Home.HasFix()),
		ringRadius,
		ringRSSI,
	)
	if err != nil {
		return fmt.Errorf("upsert encounter %s: %w", d.ID, err)
	}

	if d.Position.HasFix() {
		_, err = tx.Exec(`
			INSERT INTO encounter_positions (encounter_id, lat, lon, alt, observed_at)
			VALUES ($1, $2, $3, $4, $5)
		`, d.ID, d.Position.Lat, d.Position.Lon, d.Position.Alt, d.LastUpdated)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", d.ID, err)
		}
	}
	return nil
}

// GetEncounters implements EncounterStore. Results also refresh the lookup cache.
func (s *PostgresStore) GetEncounters(ctx context.Context, since time.Time) ([]Encounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, first_seen, last_seen, max_rssi,
			id_type, caa_registration, manufacturer, mac, description,
			pilot_lat, pilot_lon, home_lat, home_lon, ring_radius, ring_rssi
		FROM encounters
		WHERE last_seen > $1
		ORDER BY last_seen
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query encounters: %w", err)
	}
	defer rows.Close()

	var encounters []Encounter
	index := make(map[string]int)
	for rows.Next() {
		var e Encounter
		var kind string
		var maxRSSI, pilotLat, pilotLon, homeLat, homeLon, ringRadius, ringRSSI sql.NullFloat64
		if err := rows.Scan(&e.ID, &kind, &e.FirstSeen, &e.LastSeen, &maxRSSI,
			&e.IDType, &e.CAARegistration, &e.Manufacturer, &e.MAC, &e.Description,
			&pilotLat, &pilotLon, &homeLat, &homeLon, &ringRadius, &ringRSSI); err != nil {
			return nil, fmt.Errorf("scan encounter: %w", err)
		}
		e.Kind = models.Kind(kind)
		e.MaxRSSI = maxRSSI.Float64
		if pilotLat.Valid && pilotLon.Valid {
			e.Pilot = models.Position{Lat: pilotLat.Float64, Lon: pilotLon.Float64}
		}
		if homeLat.Valid && homeLon.Valid {
			e.Home = models.Position{Lat: homeLat.Float64, Lon: homeLon.Float64}
		}
		if ringRadius.Valid {
			e.Ring = &models.AlertRing{Key: e.ID, EntityID: e.ID, Radius: ringRadius.Float64, RSSI: ringRSSI.Float64}
		}
		index[e.ID] = len(encounters)
		encounters = append(encounters, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encounters: %w", err)
	}
	if len(encounters) == 0 {
		return nil, nil
	}

	ids := make([]string, len(encounters))
	for i, e := range encounters {
		ids[i] = e.ID
	}
	posRows, err := s.db.QueryContext(ctx, `
		SELECT encounter_id, lat, lon, alt
		FROM encounter_positions
		WHERE encounter_id = ANY($1)
		ORDER BY encounter_id, observed_at
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer posRows.Close()

	for posRows.Next() {
		var id string
		var p models.Position
		if err := posRows.Scan(&id, &p.Lat, &p.Lon, &p.Alt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if i, ok := index[id]; ok {
			encounters[i].Positions = append(encounters[i].Positions, p)
		}
	}
	if err := posRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}

	s.cacheMu.Lock()
	for i := range encounters {
		e := encounters[i]
		e.Positions = append([]models.Position(nil), e.Positions...)
		s.cache[e.ID] = &e
	}
	s.cacheMu.Unlock()

	return encounters, nil
}
