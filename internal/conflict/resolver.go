// Package conflict merges a client-held character snapshot into the
// authoritative document at field granularity.
//
// The server copy wins whenever the client edited a field it had a stale view
// of; every such rejection is reported as a Record so the player can see it.
// Fields the client did not send are never touched.
package conflict

import (
	"encoding/json"
	"sort"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
)

// Snapshot is the state a client submits in one sync call.
type Snapshot struct {
	CharacterID   string
	ClientVersion uint64
	State         map[string]json.RawMessage
}

// Record describes one rejected client field.
type Record struct {
	Field           string `json:"field"`
	ExpectedVersion uint64 `json:"expected_version"`
	ActualVersion   uint64 `json:"actual_version"`
}

type Result struct {
	// Merged is the full document after applying accepted client values.
	Merged map[string]json.RawMessage
	// Touched lists accepted fields, sorted.
	Touched []string
	// Conflicts lists rejected fields, sorted by field.
	Conflicts []Record
}

// Resolve decides, per submitted field, whether the client value is accepted.
// A client that reports the version it last read (equality) may advance the
// field.
func Resolve(auth charstate.CharacterState, in Snapshot) Result {
	res := Result{Merged: make(map[string]json.RawMessage, len(auth.Fields)+len(in.State))}
	for k, v := range auth.Fields {
		res.Merged[k] = v
	}

	fields := make([]string, 0, len(in.State))
	for k := range in.State {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	for _, f := range fields {
		fv, exists := auth.FieldVersions[f]
		if _, hasValue := auth.Fields[f]; !hasValue {
			exists = false
		}
		if !exists || in.ClientVersion >= fv {
			res.Merged[f] = in.State[f]
			res.Touched = append(res.Touched, f)
			continue
		}
		res.Conflicts = append(res.Conflicts, Record{
			Field:           f,
			ExpectedVersion: in.ClientVersion,
			ActualVersion:   fv,
		})
	}
	return res
}
