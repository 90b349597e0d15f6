package transport

import "encoding/json"

// Transport defaults, used both for the initial state and as the reset
// target when a write pushes the tempo out of range.
const (
	DefaultBPM   = 120.0
	DefaultTSNum = 4
	DefaultTSDen = 4
)

// State is the mutable transport record. Only the Store touches it; everyone
// else sees Snapshots.
type State struct {
	Playing bool
	Bar     int
	Beat    int
	BPM     float64
	PPQ     float64
	TSNum   int
	TSDen   int
}

// NewState returns the transport defaults: stopped at bar one, beat one of a
// 4/4 grid at 120 BPM.
func NewState() State {
	return State{Bar: 1, Beat: 1, BPM: DefaultBPM, TSNum: DefaultTSNum, TSDen: DefaultTSDen}
}

// clamp forces the record back inside its documented ranges: counters floor
// at one, a non-positive tempo resets to the default, a negative pulse
// position floors at zero.
func (s *State) clamp() {
	if s.Bar < 1 {
		s.Bar = 1
	}
	if s.Beat < 1 {
		s.Beat = 1
	}
	if s.BPM <= 0 {
		s.BPM = DefaultBPM
	}
	if s.PPQ < 0 {
		s.PPQ = 0
	}
	if s.TSNum < 1 {
		s.TSNum = 1
	}
	if s.TSDen < 1 {
		s.TSDen = 1
	}
}

// Snapshot is an immutable, fully clamped copy of the transport state plus
// the active project id. THost carries the server clock in seconds at the
// moment the snapshot was produced.
type Snapshot struct {
	Playing         bool    `json:"playing"`
	Bar             int     `json:"bar"`
	Beat            int     `json:"beat"`
	BPM             float64 `json:"bpm"`
	PPQ             float64 `json:"ppq"`
	TSNum           int     `json:"ts_num"`
	TSDen           int     `json:"ts_den"`
	THost           float64 `json:"t_host"`
	ActiveProjectID string  `json:"activeProjectId"`
}

// Update carries the fields of a partial state write. Nil fields leave the
// current value untouched. The counters decode as floats so fractional
// controller output cannot fail a request; they truncate on apply.
type Update struct {
	Playing *bool    `json:"playing"`
	Bar     *float64 `json:"bar"`
	Beat    *float64 `json:"beat"`
	BPM     *float64 `json:"bpm"`
	PPQ     *float64 `json:"ppq"`
	TSNum   *float64 `json:"ts_num"`
	TSDen   *float64 `json:"ts_den"`
}

// IsZero reports whether the update carries no recognised fields.
func (u Update) IsZero() bool {
	return u.Playing == nil && u.Bar == nil && u.Beat == nil && u.BPM == nil &&
		u.PPQ == nil && u.TSNum == nil && u.TSDen == nil
}

// DecodeUpdate parses a partial update payload. Unrecognised fields are
// ignored, and a body that fails to decode yields the empty update, so a
// malformed request degrades to a no-op write rather than an error.
func DecodeUpdate(data []byte) Update {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}
	}
	return u
}
