package couchdb

import (
	"encoding/json"
	"strconv"
	"strings"
)

// flexSeq decodes a CouchDB update_seq/last_seq field that may be
// encoded as a JSON number (classic single-node CouchDB) or as a JSON
// string (clustered CouchDB 2.x+ opaque sequence tokens) into a plain
// string, so callers never have to guess which wire shape a given
// peer uses.
type flexSeq string

func (s *flexSeq) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = flexSeq(str)
		return nil
	}
	*s = flexSeq(b)
	return nil
}

func (s flexSeq) String() string { return string(s) }

// asInt64 best-effort parses a flexSeq as an integer, returning 0 for
// opaque (non-numeric) sequence tokens.
func (s flexSeq) asInt64() int64 {
	n, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// dbInfo mirrors GET /{db} (spec.md §6.2's Info shape, trimmed to the
// fields this module reads).
type dbInfo struct {
	DBName    string  `json:"db_name"`
	UpdateSeq flexSeq `json:"update_seq"`
}

// rootInfo mirrors GET / (node identity).
type rootInfo struct {
	UUID string `json:"uuid"`
}

// changesWire mirrors GET /{db}/_changes.
type changesWire struct {
	LastSeq flexSeq `json:"last_seq"`
	Results []struct {
		Seq     flexSeq `json:"seq"`
		ID      string  `json:"id"`
		Deleted bool    `json:"deleted,omitempty"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
	} `json:"results"`
}

// encodeAttsSince renders a list of revisions as the JSON-array query
// parameter CouchDB expects for atts_since (and open_revs): e.g.
// ["1-abc","2-def"].
func encodeAttsSince(revs []string) string {
	if len(revs) == 0 {
		return "[]"
	}
	parts := make([]string, len(revs))
	for i, r := range revs {
		b, _ := json.Marshal(r)
		parts[i] = string(b)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// okResponse mirrors the {"ok": true} shape most CouchDB write
// endpoints return, plus the error/reason pair present on failures
// that still came back as well-formed JSON (e.g. 412 Precondition
// Failed on db creation).
type okResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}
