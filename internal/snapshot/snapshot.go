// Package snapshot persists the connection and live-auction state to a
// plain textual sidecar file so the server can resume auctions mid-flight
// after a restart.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/crc64nvme"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// ErrCorrupt reports a snapshot file that cannot be parsed. Startup aborts
// rather than silently losing auction state.
var ErrCorrupt = errors.New("snapshot: corrupt file")

// ConnRecord is one persisted connection. Stream state is not persisted;
// clients re-attach when they reconnect.
type ConnRecord struct {
	IP   string
	Port string
	Name string
}

// ItemRecord is one persisted live auction. Elapsed is how long the auction
// had been running when the snapshot was written; the loader revives the
// item with remaining = configured total - Elapsed.
type ItemRecord struct {
	ID             uint32
	Description    string
	Minimum        float32
	CurrentHighest float32
	Seller         string
	HighestBidder  string
	Elapsed        time.Duration
}

// State is everything a snapshot carries.
type State struct {
	Connections []ConnRecord
	Items       []ItemRecord
}

// Config configures the store.
type Config struct {
	// Path is the snapshot file, conventionally connections.dat in the
	// working directory.
	Path string

	// ArchiveDir, when set, receives a zstd-compressed copy of each
	// outgoing snapshot before it is replaced.
	ArchiveDir string

	// RetentionDays bounds how long archived snapshots are kept.
	// Zero or negative disables cleanup.
	RetentionDays int
}

// Store writes and reads the sidecar file. Writes are atomic (temp file +
// rename) and retried briefly with exponential backoff; persistence
// failures are logged and the server keeps serving.
type Store struct {
	cfg Config
}

// NewStore creates a store for the given config.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Save rewrites the snapshot file from state. It never returns an error to
// the caller's protocol path: failures are logged after the retry budget is
// exhausted, accepting the risk of data loss on restart.
func (s *Store) Save(state *State) {
	data := marshal(state)
	sum := crc64nvme.Checksum(data)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, s.writeAtomic(data)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(3))
	if err != nil {
		log.Error().Err(err).Str("path", s.cfg.Path).Msg("failed to save snapshot")
		return
	}

	log.Debug().
		Str("path", s.cfg.Path).
		Int("connections", len(state.Connections)).
		Int("items", len(state.Items)).
		Str("crc64", checksumString(sum)).
		Msg("snapshot saved")
}

// writeAtomic writes data to a temp file and renames it over the snapshot
// path, archiving the previous snapshot first when configured.
func (s *Store) writeAtomic(data []byte) error {
	if s.cfg.ArchiveDir != "" {
		if err := s.archivePrevious(); err != nil {
			log.Warn().Err(err).Msg("failed to archive previous snapshot")
		}
	}

	dir := filepath.Dir(s.cfg.Path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.cfg.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file yields an empty state; a
// file that cannot be parsed yields ErrCorrupt.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	state, err := unmarshal(data)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("path", s.cfg.Path).
		Int("connections", len(state.Connections)).
		Int("items", len(state.Items)).
		Str("crc64", checksumString(crc64nvme.Checksum(data))).
		Msg("snapshot loaded")

	return state, nil
}

// checksumString renders a CRC64-NVME checksum as compact base58.
func checksumString(sum uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	return base58.Encode(b[:])
}

func formatPrice(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

// marshal serializes state in the fixed line layout:
//
//	<num_connections>
//	<ip> <port> <name> per connection, one field per line
//	<num_items>
//	<id> <description> <minimum> <current_highest>
//	<seller> <highest_bidder> <elapsed_ns> per item, one field per line
func marshal(state *State) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%d\n", len(state.Connections))
	for _, c := range state.Connections {
		fmt.Fprintf(&buf, "%s\n%s\n%s\n", c.IP, c.Port, c.Name)
	}

	fmt.Fprintf(&buf, "%d\n", len(state.Items))
	for _, it := range state.Items {
		fmt.Fprintf(&buf, "%d\n%s\n%s\n%s\n%s\n%s\n%d\n",
			it.ID, it.Description, formatPrice(it.Minimum), formatPrice(it.CurrentHighest),
			it.Seller, it.HighestBidder, it.Elapsed.Nanoseconds())
	}

	return buf.Bytes()
}

type lineReader struct {
	sc *bufio.Scanner
}

func (r *lineReader) next() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return "", fmt.Errorf("%w: unexpected end of file", ErrCorrupt)
	}
	return r.sc.Text(), nil
}

func (r *lineReader) nextInt() (int64, error) {
	line, err := r.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad integer %q", ErrCorrupt, line)
	}
	return v, nil
}

func (r *lineReader) nextPrice() (float32, error) {
	line, err := r.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(line, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad price %q", ErrCorrupt, line)
	}
	return float32(v), nil
}

func unmarshal(data []byte) (*State, error) {
	r := &lineReader{sc: bufio.NewScanner(bytes.NewReader(data))}
	state := &State{}

	numConns, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	if numConns < 0 {
		return nil, fmt.Errorf("%w: negative connection count", ErrCorrupt)
	}
	for i := int64(0); i < numConns; i++ {
		var c ConnRecord
		if c.IP, err = r.next(); err != nil {
			return nil, err
		}
		if c.Port, err = r.next(); err != nil {
			return nil, err
		}
		if c.Name, err = r.next(); err != nil {
			return nil, err
		}
		state.Connections = append(state.Connections, c)
	}

	numItems, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	if numItems < 0 {
		return nil, fmt.Errorf("%w: negative item count", ErrCorrupt)
	}
	for i := int64(0); i < numItems; i++ {
		var it ItemRecord
		id, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		if id <= 0 || id > int64(^uint32(0)) {
			return nil, fmt.Errorf("%w: bad item id %d", ErrCorrupt, id)
		}
		it.ID = uint32(id)
		if it.Description, err = r.next(); err != nil {
			return nil, err
		}
		if it.Minimum, err = r.nextPrice(); err != nil {
			return nil, err
		}
		if it.CurrentHighest, err = r.nextPrice(); err != nil {
			return nil, err
		}
		if it.Seller, err = r.next(); err != nil {
			return nil, err
		}
		if it.HighestBidder, err = r.next(); err != nil {
			return nil, err
		}
		elapsed, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		it.Elapsed = time.Duration(elapsed)
		state.Items = append(state.Items, it)
	}

	return state, nil
}
