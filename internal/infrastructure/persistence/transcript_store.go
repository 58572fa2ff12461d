package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TranscriptStore appends session records to per-session NDJSON files
// under <root>/.eclia/transcripts. Appends are serialized by the session
// lock upstream; the store itself only guards the file handle map.
//
// Reads are torn-line tolerant: a partial trailing line from a crashed
// append is skipped rather than failing the whole transcript.
type TranscriptStore struct {
	dir    string
	logger *zap.Logger

	mu sync.Mutex
}

// NewTranscriptStore roots transcripts under the project root.
func NewTranscriptStore(root string, logger *zap.Logger) *TranscriptStore {
	return &TranscriptStore{dir: filepath.Join(root, ".eclia", "transcripts"), logger: logger}
}

func (s *TranscriptStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".ndjson")
}

// Append writes one record. The record's version, id, and timestamp are
// filled in when absent.
func (s *TranscriptStore) Append(sessionID string, rec *entity.TranscriptRecord) error {
	if rec.V == 0 {
		rec.V = entity.TranscriptRecordVersion
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("transcript dir: %w", err)
	}
	f, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// AppendMessage is the common case: wrap a message in a msg record.
func (s *TranscriptStore) AppendMessage(sessionID string, msg entity.Message) error {
	return s.Append(sessionID, &entity.TranscriptRecord{Type: entity.RecordMsg, Msg: &msg})
}

// AppendReset truncates the effective history.
func (s *TranscriptStore) AppendReset(sessionID string) error {
	return s.Append(sessionID, &entity.TranscriptRecord{Type: entity.RecordReset})
}

// AppendTurn records turn metadata.
func (s *TranscriptStore) AppendTurn(sessionID string, meta entity.TurnMeta) error {
	return s.Append(sessionID, &entity.TranscriptRecord{Type: entity.RecordTurn, Turn: &meta})
}

// Read returns every intact record, in order. A missing file is an empty
// transcript.
func (s *TranscriptStore) Read(sessionID string) ([]entity.TranscriptRecord, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var records []entity.TranscriptRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec entity.TranscriptRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("Skipping torn transcript line",
				zap.String("session", sessionID),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan transcript: %w", err)
	}
	return records, nil
}

// EffectiveMessages reads and folds the transcript in one step.
func (s *TranscriptStore) EffectiveMessages(sessionID string) ([]entity.Message, error) {
	records, err := s.Read(sessionID)
	if err != nil {
		return nil, err
	}
	return entity.EffectiveMessages(records), nil
}
