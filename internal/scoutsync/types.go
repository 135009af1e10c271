package scoutsync

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// CompLevel is the competition level a match is played at.
type CompLevel string

const (
	CompLevelPractice CompLevel = "pr"
	CompLevelQual     CompLevel = "qm"
	CompLevelQuarter  CompLevel = "qf"
	CompLevelSemi     CompLevel = "sf"
	CompLevelFinal    CompLevel = "f"
)

func (c CompLevel) Valid() bool {
	switch c {
	case CompLevelPractice, CompLevelQual, CompLevelQuarter, CompLevelSemi, CompLevelFinal:
		return true
	}
	return false
}

// Match is one scouted robot-match record as produced by a tablet.
type Match struct {
	EventKey    string            `json:"eventKey"`
	Team        int               `json:"team"`
	CompLevel   CompLevel         `json:"compLevel"`
	Match       int               `json:"match"`
	Alliance    *string           `json:"alliance"`
	Scout       string            `json:"scout"`
	Group       int               `json:"group"`
	Prescouting bool              `json:"prescouting"`
	Practice    bool              `json:"practice"`
	FlipX       bool              `json:"flipX"`
	FlipY       bool              `json:"flipY"`
	Checks      []string          `json:"checks"`
	Comments    map[string]string `json:"comments"`
	Sliders     map[string]Slider `json:"sliders,omitempty"`
	Trace       []TracePoint      `json:"trace"`
	Remote      bool              `json:"remote"`
}

type Slider struct {
	Value float64 `json:"value"`
	Text  string  `json:"text"`
	Color string  `json:"color"`
}

// TracePoint is one sampled robot position. On the wire (json and msgpack) it
// is a 4-tuple [index, x, y, action] where action is 0 when nothing happened.
type TracePoint struct {
	Index  int
	X      float64
	Y      float64
	Action string
}

func (p TracePoint) tuple() []any {
	var action any = 0
	if p.Action != "" {
		action = p.Action
	}
	return []any{p.Index, p.X, p.Y, action}
}

func (p *TracePoint) fromTuple(vals []any) error {
	if len(vals) != 4 {
		return fmt.Errorf("trace point: want 4 elements, got %d", len(vals))
	}
	var err error
	if p.Index, err = asInt(vals[0]); err != nil {
		return fmt.Errorf("trace point index: %w", err)
	}
	if p.X, err = asFloat(vals[1]); err != nil {
		return fmt.Errorf("trace point x: %w", err)
	}
	if p.Y, err = asFloat(vals[2]); err != nil {
		return fmt.Errorf("trace point y: %w", err)
	}
	switch a := vals[3].(type) {
	case string:
		p.Action = a
	default:
		n, err := asInt(a)
		if err != nil || n != 0 {
			return fmt.Errorf("trace point action: unexpected %v", vals[3])
		}
		p.Action = ""
	}
	return nil
}

func (p TracePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.tuple())
}

func (p *TracePoint) UnmarshalJSON(b []byte) error {
	var vals []any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&vals); err != nil {
		return err
	}
	return p.fromTuple(vals)
}

var (
	_ msgpack.CustomEncoder = TracePoint{}
	_ msgpack.CustomDecoder = (*TracePoint)(nil)
)

func (p TracePoint) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(p.tuple())
}

func (p *TracePoint) DecodeMsgpack(dec *msgpack.Decoder) error {
	vals, err := dec.DecodeSlice()
	if err != nil {
		return err
	}
	return p.fromTuple(vals)
}

// asInt accepts any integral number. A fractional value is an error, never
// truncated.
func asInt(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	return int(f), nil
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		if math.IsNaN(n) {
			return 0, fmt.Errorf("not a number: NaN")
		}
		return n, nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// CorrelationKeys are the natural keys a destination uses to de-duplicate a
// delivered match.
type CorrelationKeys struct {
	EventKey  string
	Team      int
	CompLevel CompLevel
	Match     int
}

func (m Match) Keys() CorrelationKeys {
	return CorrelationKeys{EventKey: m.EventKey, Team: m.Team, CompLevel: m.CompLevel, Match: m.Match}
}

func (k CorrelationKeys) String() string {
	return fmt.Sprintf("%s/%d/%s%d", k.EventKey, k.Team, k.CompLevel, k.Match)
}

// PendingSubmission is a compressed match waiting for every submission target
// to acknowledge it. It lives in the store until it is retired.
type PendingSubmission struct {
	ID        string
	Body      []byte
	Keys      CorrelationKeys
	CreatedAt time.Time
}

// CachedResponse is the last schema-valid upstream body seen for a URL.
type CachedResponse struct {
	URL       string
	Response  []byte
	CreatedAt time.Time
}

// SubmissionFilter selects pending submissions. Zero fields match anything.
type SubmissionFilter struct {
	EventKey  string
	Team      int
	CompLevel CompLevel
	Match     int
}

func (f SubmissionFilter) Matches(k CorrelationKeys) bool {
	if f.EventKey != "" && f.EventKey != k.EventKey {
		return false
	}
	if f.Team != 0 && f.Team != k.Team {
		return false
	}
	if f.CompLevel != "" && f.CompLevel != k.CompLevel {
		return false
	}
	if f.Match != 0 && f.Match != k.Match {
		return false
	}
	return true
}

// idGenerator hands out time-ordered ULIDs so store iteration follows
// submission order.
type idGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDGenerator() *idGenerator {
	return &idGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *idGenerator) Make(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
