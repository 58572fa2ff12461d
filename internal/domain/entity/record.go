package entity

import "time"

// RecordType discriminates transcript records.
type RecordType string

const (
	RecordMsg   RecordType = "msg"
	RecordReset RecordType = "reset"
	RecordTurn  RecordType = "turn"
)

// TranscriptRecordVersion is the on-disk record version.
const TranscriptRecordVersion = 1

// TurnMeta is stored on "turn" records: which upstream handled the turn and
// how much of the context budget it consumed.
type TurnMeta struct {
	Upstream    string             `json:"upstream"`
	Model       string             `json:"model"`
	TokenBudget int                `json:"token_budget"`
	UsedTokens  int                `json:"used_tokens"`
	Overrides   map[string]float64 `json:"overrides,omitempty"`
}

// TranscriptRecord is one versioned append-only record. Record ids are
// unique per session; timestamps are non-decreasing within a session.
type TranscriptRecord struct {
	V    int        `json:"v"`
	ID   string     `json:"id"`
	Type RecordType `json:"type"`
	At   time.Time  `json:"at"`

	Msg  *Message  `json:"msg,omitempty"`
	Turn *TurnMeta `json:"turn,omitempty"`
}

// EffectiveMessages folds records left to right, honoring reset: the
// result is the ordered message sequence after the latest reset record.
func EffectiveMessages(records []TranscriptRecord) []Message {
	start := 0
	for i, r := range records {
		if r.Type == RecordReset {
			start = i + 1
		}
	}
	var msgs []Message
	for _, r := range records[start:] {
		if r.Type == RecordMsg && r.Msg != nil {
			msgs = append(msgs, *r.Msg)
		}
	}
	return msgs
}
