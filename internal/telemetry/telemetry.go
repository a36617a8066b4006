// Package telemetry is the asynchronous, append-only sink for per-query
// records and the small struct of runtime counters described in §6.4. It is
// grounded on internal/stats/unit.go's bolt-bucket-per-hour rotation: one
// bucket per UTC hour of gob-encoded records, older buckets dropped on
// rotation.
package telemetry

import (
	"bytes"
	"encoding/gob"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// QueryStatus is the outcome recorded for a query, matching §6.4.
type QueryStatus string

// Recognized statuses.
const (
	Permitted     QueryStatus = "PERMITTED"
	Blocked       QueryStatus = "BLOCKED"
	ShadowBlocked QueryStatus = "SHADOW_BLOCKED"
)

// Record is one per-query log entry, enqueued by the pipeline and persisted
// by the background drainer.
type Record struct {
	ID               string
	Timestamp        time.Time
	Domain           string
	Client           string
	ClientIP         string
	Transport        string
	Status           QueryStatus
	Type             string
	DurationMs       int64
	BlocklistID      string
	AnswerIPs        []string
	ProtectionPaused bool
	ForwardError     string
}

// Counters are the runtime counters read by external observability
// endpoints, per §6.4.
type Counters struct {
	StartedAt         time.Time
	LastQueryAt       time.Time
	LastClientIP      string
	LastTransport     string
	TotalQueries      uint64
	TailscaleQueries  uint64
	TailscaleV4Queries uint64
	TailscaleV6Queries uint64
	LastForwardError  string
}

var (
	tailscaleV4 = netip.MustParsePrefix("100.64.0.0/10")
	tailscaleV6 = netip.MustParsePrefix("fd7a:115c:a1e0::/48")
)

// defaultRetentionHours is the default number of hourly buckets kept, per the
// "bounded retention" supplemented feature.
const defaultRetentionHours = 48

// locationTTL bounds how long persist() remembers where a record landed,
// so UpdateAnswerIPs can still find and enrich it. Shadow-resolve forwards
// run against the same per-transport timeout as any other forward, so a
// minute is generous slack.
const locationTTL = time.Minute

// recordLoc is where a persisted record landed, so a later async update can
// find and rewrite it in place.
type recordLoc struct {
	bucket   []byte
	key      []byte
	storedAt time.Time
}

// answerUpdate enriches an already-persisted record with answer IPs learned
// after the fact, from the blocked-path shadow-resolve.
type answerUpdate struct {
	id  string
	ips []string
}

// Sink is the telemetry component: it tracks runtime counters in memory and
// asynchronously persists per-query records to bbolt, one bucket per UTC
// hour, pruning anything older than RetentionHours on each rotation.
type Sink struct {
	db              *bolt.DB
	retentionHours  int
	queue           chan Record
	updates         chan answerUpdate
	done            chan struct{}

	mu       sync.Mutex
	counters Counters

	locMu     sync.Mutex
	locations map[string]recordLoc

	totalQueries       atomic.Uint64
	tailscaleQueries   atomic.Uint64
	tailscaleV4Queries atomic.Uint64
	tailscaleV6Queries atomic.Uint64
}

// Open creates/opens the bbolt database at path and starts the background
// drainer. retentionHours <= 0 uses the default.
func Open(path string, retentionHours int) (*Sink, error) {
	if retentionHours <= 0 {
		retentionHours = defaultRetentionHours
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	s := &Sink{
		db:             db,
		retentionHours: retentionHours,
		queue:          make(chan Record, 1024),
		updates:        make(chan answerUpdate, 256),
		done:           make(chan struct{}),
		counters:       Counters{StartedAt: time.Now()},
		locations:      make(map[string]recordLoc),
	}

	go s.drain()

	return s, nil
}

// Close stops the drainer and closes the database.
func (s *Sink) Close() error {
	close(s.queue)
	<-s.done

	return s.db.Close()
}

// RecordQuery updates in-memory counters synchronously and enqueues rec for
// async persistence. It never blocks the response path: if the queue is
// full, the record is dropped and logged, matching "emission must not delay
// the response bytes to the client."
func (s *Sink) RecordQuery(rec Record, clientIP netip.Addr) {
	s.totalQueries.Add(1)

	unmapped := clientIP.Unmap()
	if tailscaleV4.Contains(unmapped) || tailscaleV6.Contains(unmapped) {
		s.tailscaleQueries.Add(1)
		if unmapped.Is4() {
			s.tailscaleV4Queries.Add(1)
		} else {
			s.tailscaleV6Queries.Add(1)
		}
	}

	s.mu.Lock()
	s.counters.LastQueryAt = rec.Timestamp
	s.counters.LastClientIP = rec.ClientIP
	s.counters.LastTransport = rec.Transport
	if rec.ForwardError != "" {
		s.counters.LastForwardError = rec.ForwardError
	}
	s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	select {
	case s.queue <- rec:
	default:
		log.Debug("telemetry: queue full, dropping record for %s", rec.Domain)
	}
}

// UpdateAnswerIPs asynchronously enriches the already-persisted record id
// with ips, resolved after the fact by the blocked-path shadow-resolve. It
// never blocks the caller: if the update queue is full or id was never
// tracked (already pruned, or persistence hasn't caught up yet), the
// enrichment is silently dropped.
func (s *Sink) UpdateAnswerIPs(id string, ips []string) {
	if id == "" || len(ips) == 0 {
		return
	}

	select {
	case s.updates <- answerUpdate{id: id, ips: ips}:
	default:
		log.Debug("telemetry: update queue full, dropping answer-ip enrichment for %s", id)
	}
}

// Snapshot returns a copy of the current runtime counters.
func (s *Sink) Snapshot() Counters {
	s.mu.Lock()
	c := s.counters
	s.mu.Unlock()

	c.TotalQueries = s.totalQueries.Load()
	c.TailscaleQueries = s.tailscaleQueries.Load()
	c.TailscaleV4Queries = s.tailscaleV4Queries.Load()
	c.TailscaleV6Queries = s.tailscaleV6Queries.Load()

	return c
}

func (s *Sink) drain() {
	defer close(s.done)

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				s.drainUpdates()

				return
			}

			if err := s.persist(rec); err != nil {
				log.Error("telemetry: persisting query record: %s", err)
			}
		case upd := <-s.updates:
			if err := s.applyAnswerUpdate(upd); err != nil {
				log.Debug("telemetry: applying answer-ip enrichment for %s: %s", upd.id, err)
			}
		}
	}
}

// drainUpdates applies every answer-ip update still queued when the record
// queue is closed, so Close does not discard them.
func (s *Sink) drainUpdates() {
	for {
		select {
		case upd := <-s.updates:
			if err := s.applyAnswerUpdate(upd); err != nil {
				log.Debug("telemetry: applying answer-ip enrichment for %s: %s", upd.id, err)
			}
		default:
			return
		}
	}
}

func (s *Sink) persist(rec Record) error {
	bucketName := itob(uint64(rec.Timestamp.Unix() / 3600))

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}

	var key []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key = itob(seq)
		if err := b.Put(key, buf.Bytes()); err != nil {
			return err
		}

		return s.pruneOldBuckets(tx, rec.Timestamp)
	})
	if err != nil {
		return err
	}

	if rec.Status == Blocked {
		s.trackLocation(rec.ID, bucketName, key)
	}

	return nil
}

// trackLocation remembers where a blocked-path record landed so a later
// UpdateAnswerIPs can find it, sweeping entries older than locationTTL so
// records that never get enriched (shadow-resolve disabled, or it simply
// never returns an answer) don't accumulate forever.
func (s *Sink) trackLocation(id string, bucket, key []byte) {
	s.locMu.Lock()
	defer s.locMu.Unlock()

	now := time.Now()
	for k, v := range s.locations {
		if now.Sub(v.storedAt) > locationTTL {
			delete(s.locations, k)
		}
	}

	s.locations[id] = recordLoc{bucket: bucket, key: key, storedAt: now}
}

// applyAnswerUpdate rewrites the persisted record at upd's tracked location
// with its resolved answer IPs. A miss (id never tracked, or already swept)
// is not an error: the enrichment is best-effort.
func (s *Sink) applyAnswerUpdate(upd answerUpdate) error {
	s.locMu.Lock()
	loc, ok := s.locations[upd.id]
	if ok {
		delete(s.locations, upd.id)
	}
	s.locMu.Unlock()

	if !ok {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(loc.bucket)
		if b == nil {
			return nil
		}

		raw := b.Get(loc.key)
		if raw == nil {
			return nil
		}

		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
			return err
		}

		rec.AnswerIPs = upd.ips

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return err
		}

		return b.Put(loc.key, buf.Bytes())
	})
}

// pruneOldBuckets deletes hour buckets older than retentionHours, mirroring
// statsCtx.periodicFlush's "delete buckets older than id - limit".
func (s *Sink) pruneOldBuckets(tx *bolt.Tx, now time.Time) error {
	currentHour := uint64(now.Unix() / 3600)
	if currentHour < uint64(s.retentionHours) {
		return nil
	}

	cutoff := currentHour - uint64(s.retentionHours)

	var stale [][]byte

	err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
		if btoi(name) < cutoff {
			stale = append(stale, append([]byte(nil), name...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range stale {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}

	return b
}

func btoi(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}

	return v
}
