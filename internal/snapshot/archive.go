package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// archivePrevious compresses the current snapshot file into the archive
// directory before it is replaced, then prunes archives past retention.
// A missing snapshot (first save) is not an error.
func (s *Store) archivePrevious() error {
	src, err := os.Open(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open snapshot for archive: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(s.cfg.Path), filepath.Ext(s.cfg.Path))
	archivePath := filepath.Join(s.cfg.ArchiveDir,
		fmt.Sprintf("%s-%d.dat.zst", base, time.Now().UnixNano()))

	dst, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("failed to create encoder: %w", err)
	}

	written, err := io.Copy(enc, src)
	if err != nil {
		enc.Close()
		os.Remove(archivePath)
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	log.Debug().
		Str("archive_path", archivePath).
		Int64("bytes", written).
		Msg("previous snapshot archived")

	s.cleanupArchive()
	return nil
}

// cleanupArchive removes archived snapshots older than the retention
// period.
func (s *Store) cleanupArchive() {
	if s.cfg.RetentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	entries, err := os.ReadDir(s.cfg.ArchiveDir)
	if err != nil {
		log.Warn().Err(err).Str("archive_dir", s.cfg.ArchiveDir).Msg("failed to read archive directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zst" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.cfg.ArchiveDir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("failed to delete old archive")
				continue
			}
			log.Debug().Str("file", entry.Name()).Msg("deleted old snapshot archive")
		}
	}
}
