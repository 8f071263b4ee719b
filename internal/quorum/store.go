// Package quorum replicates one document across an odd number of independent
// blob locations. Reads take a majority vote by equality; writes publish an
// "updating" placeholder first and wait out the lease before publishing the
// real value, so holders of a cached copy stop using it before it changes.
package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/chaintable/internal/backend"
	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// Config holds quorum store settings
type Config struct {
	Key           string
	LeaseDuration time.Duration
	ClockSkew     time.Duration
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// envelope is the document stored at every location
type envelope struct {
	Updating   bool            `json:"updating,omitempty"`
	ID         string          `json:"id"`
	PreviousID string          `json:"previous_id,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	// WrittenAt dates a placeholder so a stalled writer can be told apart
	// from one still waiting out its drain
	WrittenAt time.Time `json:"written_at,omitzero"`
}

// ReadResult is an agreed value together with the etag observed per location
type ReadResult struct {
	ID    string
	Value []byte
	ETags map[string]string
}

type locationRead struct {
	name string
	data []byte
	etag string
	err  error
	env  *envelope
}

// Store reads and writes one quorum-replicated document
type Store struct {
	locations []backend.BlobStore
	cfg       Config
	sleep     Sleeper
	now       func() time.Time
	logger    *zap.Logger
}

// NewStore creates a quorum store. The number of locations must be odd.
func NewStore(locations []backend.BlobStore, cfg Config, logger *zap.Logger) (*Store, error) {
	if len(locations) == 0 || len(locations)%2 == 0 {
		return nil, tableerrors.Configuration(fmt.Sprintf("configuration store needs an odd number of locations, got %d", len(locations)))
	}
	if cfg.Key == "" {
		return nil, tableerrors.Configuration("configuration store key is required")
	}
	seen := make(map[string]bool, len(locations))
	for _, loc := range locations {
		if seen[loc.Name()] {
			return nil, tableerrors.Configuration(fmt.Sprintf("duplicate configuration location %q", loc.Name()))
		}
		seen[loc.Name()] = true
	}
	return &Store{
		locations: locations,
		cfg:       cfg,
		sleep:     sleepContext,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// SetSleeper replaces the drain wait; tests use it to skip real sleeps.
func (s *Store) SetSleeper(fn Sleeper) {
	s.sleep = fn
}

// Locations returns the configured locations
func (s *Store) Locations() []backend.BlobStore {
	return s.locations
}

// Majority returns the number of agreeing locations a decision needs
func (s *Store) Majority() int {
	return len(s.locations)/2 + 1
}

// DrainDuration is how long a write waits between placeholder and value.
func (s *Store) DrainDuration() time.Duration {
	return s.cfg.LeaseDuration + s.cfg.ClockSkew
}

// abandoned reports whether a placeholder has outlived any writer still
// draining behind it. Undated placeholders count as abandoned.
func (s *Store) abandoned(env *envelope) bool {
	if env.WrittenAt.IsZero() {
		return true
	}
	return s.now().Sub(env.WrittenAt) > s.DrainDuration()+s.cfg.ClockSkew
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) readAll(ctx context.Context) []locationRead {
	reads := make([]locationRead, len(s.locations))
	g, gctx := errgroup.WithContext(ctx)

	for i, loc := range s.locations {
		i, loc := i, loc
		g.Go(func() error {
			r := locationRead{name: loc.Name()}
			r.data, r.etag, r.err = loc.Read(gctx, s.cfg.Key)
			if r.err == nil {
				var env envelope
				if err := json.Unmarshal(r.data, &env); err != nil {
					s.logger.Warn("Unparsable configuration document",
						zap.String("location", r.name),
						zap.Error(err))
				} else {
					r.env = &env
				}
			} else if !tableerrors.IsCode(r.err, tableerrors.ErrCodeNotFound) {
				s.logger.Warn("Configuration location read failed",
					zap.String("location", r.name),
					zap.Error(r.err))
			}
			reads[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return reads
}

// tally votes over the location reads. The returned envelope is the majority
// document, which may be a placeholder when err is UpdateInProgress.
func (s *Store) tally(reads []locationRead) (*envelope, error) {
	majority := s.Majority()
	reachable, absent := 0, 0
	votes := make(map[string]int)
	docs := make(map[string]*envelope)

	for _, r := range reads {
		switch {
		case r.err == nil:
			reachable++
			if r.env != nil {
				key := string(r.data)
				votes[key]++
				docs[key] = r.env
			}
		case tableerrors.IsCode(r.err, tableerrors.ErrCodeNotFound):
			reachable++
			absent++
		}
	}

	if reachable < majority {
		return nil, newError(FailureLowSuccessRate, reachable, majority)
	}
	if absent >= majority {
		return nil, newError(FailureNotFound, reachable, majority)
	}
	for key, n := range votes {
		if n < majority {
			continue
		}
		env := docs[key]
		if env.Updating {
			return env, newError(FailureUpdateInProgress, reachable, majority)
		}
		return env, nil
	}
	return nil, newError(FailureReadException, reachable, majority)
}

// Read returns the value a majority of locations agree on
func (s *Store) Read(ctx context.Context) (*ReadResult, error) {
	reads := s.readAll(ctx)
	env, err := s.tally(reads)
	if err != nil {
		return nil, err
	}
	return &ReadResult{ID: env.ID, Value: env.Value, ETags: etagsOf(reads)}, nil
}

func etagsOf(reads []locationRead) map[string]string {
	etags := make(map[string]string, len(reads))
	for _, r := range reads {
		if r.err == nil {
			etags[r.name] = r.etag
		}
	}
	return etags
}

// Write replaces the document whose id is expectedID with value under nextID.
// An empty expectedID means the document must not exist yet. A placeholder
// left behind by a writer that replaced expectedID is taken over once it is
// older than the drain.
func (s *Store) Write(ctx context.Context, expectedID, nextID string, value []byte) error {
	reads := s.readAll(ctx)
	current, err := s.tally(reads)

	switch KindOf(err) {
	case FailureNone:
		if current.ID != expectedID {
			return tableerrors.Conflict(fmt.Sprintf("configuration changed: expected %q, found %q", expectedID, current.ID))
		}
	case FailureNotFound:
		if expectedID != "" {
			return tableerrors.Conflict(fmt.Sprintf("configuration %q not found", expectedID))
		}
	case FailureUpdateInProgress:
		if current.PreviousID != expectedID || !s.abandoned(current) {
			return err
		}
		s.logger.Warn("Taking over interrupted configuration update",
			zap.String("abandoned_id", current.ID),
			zap.String("previous_id", expectedID),
			zap.Time("written_at", current.WrittenAt))
	default:
		return err
	}

	placeholder, err := json.Marshal(envelope{Updating: true, ID: nextID, PreviousID: expectedID, WrittenAt: s.now().UTC()})
	if err != nil {
		return tableerrors.Internal("failed to encode placeholder", err)
	}
	etags, err := s.writeMajority(ctx, reads, placeholder)
	if err != nil {
		return err
	}

	drain := s.DrainDuration()
	s.logger.Info("Configuration placeholder published, waiting for readers to drain",
		zap.String("config_id", nextID),
		zap.Duration("drain", drain))
	if err := s.sleep(ctx, drain); err != nil {
		return tableerrors.Unavailable("configuration write interrupted", err)
	}

	doc, err := json.Marshal(envelope{ID: nextID, PreviousID: expectedID, Value: value})
	if err != nil {
		return tableerrors.Internal("failed to encode configuration", err)
	}
	if _, err := s.writeMajority(ctx, etags, doc); err != nil {
		return err
	}

	s.logger.Info("Configuration published",
		zap.String("config_id", nextID),
		zap.String("previous_id", expectedID))
	return nil
}

// writeMajority writes data to every location that was readable, conditional
// on the etag observed there, and returns the new etags.
func (s *Store) writeMajority(ctx context.Context, reads []locationRead, data []byte) ([]locationRead, error) {
	var mu sync.Mutex
	written := make([]locationRead, 0, len(reads))
	conflicts := 0

	g, gctx := errgroup.WithContext(ctx)
	for i, loc := range s.locations {
		r := reads[i]
		if r.err != nil && !tableerrors.IsCode(r.err, tableerrors.ErrCodeNotFound) {
			continue
		}
		loc := loc
		etag := r.etag
		g.Go(func() error {
			next, err := loc.Write(gctx, s.cfg.Key, data, etag)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if tableerrors.IsCode(err, tableerrors.ErrCodePreconditionFailed) {
					conflicts++
				}
				s.logger.Warn("Configuration location write failed",
					zap.String("location", loc.Name()),
					zap.Error(err))
				return nil
			}
			written = append(written, locationRead{name: loc.Name(), etag: next})
			return nil
		})
	}
	_ = g.Wait()

	if len(written) >= s.Majority() {
		return s.alignReads(written), nil
	}
	if conflicts > 0 {
		return nil, tableerrors.Conflict("concurrent configuration update")
	}
	return nil, newError(FailureLowSuccessRate, len(written), s.Majority())
}

// alignReads lays written etags out by location index; unwritten locations
// are marked unavailable so the next round skips them.
func (s *Store) alignReads(written []locationRead) []locationRead {
	byName := make(map[string]string, len(written))
	for _, w := range written {
		byName[w.name] = w.etag
	}
	out := make([]locationRead, len(s.locations))
	for i, loc := range s.locations {
		out[i].name = loc.Name()
		if etag, ok := byName[loc.Name()]; ok {
			out[i].etag = etag
		} else {
			out[i].err = errSkipped
		}
	}
	return out
}

var errSkipped = tableerrors.Unavailable("location skipped after failed write", nil)

// Ping reads every location and returns the number reachable
func (s *Store) Ping(ctx context.Context) (int, error) {
	var mu sync.Mutex
	reachable := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range s.locations {
		loc := loc
		g.Go(func() error {
			if err := loc.Ping(gctx); err == nil {
				mu.Lock()
				reachable++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if reachable < s.Majority() {
		return reachable, newError(FailureLowSuccessRate, reachable, s.Majority())
	}
	return reachable, nil
}
