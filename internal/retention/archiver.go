package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/pkg/models"
)

// Archiver persists a session transcript before the janitor purges it.
type Archiver interface {
	ArchiveTranscript(ctx context.Context, session models.ChatSession, messages []models.ChatMessage) (string, error)
}

// LocalFileArchiver writes transcripts as JSONL files to a local directory,
// one file per session:
//
//	{basePath}/{YYYY-MM}/{sessionID}.jsonl[.gz]
//
// The first line is the session record, each following line one message in
// chronological order.
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "~/.parley/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "parley", "archive")
		} else {
			basePath = filepath.Join(home, ".parley", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) ArchiveTranscript(_ context.Context, session models.ChatSession, messages []models.ChatMessage) (string, error) {
	dir := filepath.Join(a.basePath, session.UpdatedAt.UTC().Format("2006-01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := session.ID + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	if err := enc.Encode(session); err != nil {
		return "", fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	for _, m := range messages {
		if err := enc.Encode(m); err != nil {
			return "", fmt.Errorf("encode message %s: %w", m.ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("messages", len(messages)).
		Str("session", session.ID).
		Msg("Archived transcript")

	return fpath, nil
}
