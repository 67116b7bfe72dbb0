package replicator

import (
	"crypto/sha512"
	"encoding/base32"
	"encoding/json"
	"fmt"
)

// protocolTag identifies this replicator's replication-ID algorithm.
// Changing it changes every replication ID it produces, which is
// exactly the point: it lets this implementation coexist with, but
// never resume, sessions started by an incompatible replicator.
const protocolTag = "couchsync/protocol1"

// replicationIDEncoding is the dbase32 alphabet (as used by
// microfiber/CouchDB-adjacent tooling, not RFC 4648 standard base32),
// no padding, used for both the replication ID and the session ID, so
// "well-formed base-32 string" is one check for both.
var replicationIDEncoding = base32.NewEncoding("3456789ABCDEFGHIJKLMNOPQRSTUVWXY").WithPadding(base32.NoPadding)

// ReplicationID computes the stable, directional session identifier
// for replicating srcDB on srcNode to dstDB on dstNode. It panics if
// the source and destination name the same database on the same
// node, since that is a caller misconfiguration the spec says to
// fail fast on, not silently paper over with a degenerate ID.
func ReplicationID(srcNode, srcDB, dstNode, dstDB string) string {
	if srcNode == dstNode && srcDB == dstDB {
		panic(fmt.Sprintf("replicator: source and destination are the same database: node=%q db=%q", srcNode, srcDB))
	}

	// encoding/json sorts map keys lexicographically, giving the
	// required "{dst_db, dst_node, replicator, src_db, src_node}"
	// ordering with no insignificant whitespace.
	m := map[string]string{
		"replicator": protocolTag,
		"src_node":   srcNode,
		"src_db":     srcDB,
		"dst_node":   dstNode,
		"dst_db":     dstDB,
	}
	data, err := json.Marshal(m)
	if err != nil {
		// m only ever holds strings; Marshal cannot fail.
		panic(err)
	}

	digest := sha512.Sum512(data)
	return replicationIDEncoding.EncodeToString(digest[:30])
}

// isWellFormedBase32 reports whether s could have been produced by
// replicationIDEncoding: every character in the dbase32 alphabet,
// non-empty, and (since we never pad) no '=' characters.
func isWellFormedBase32(s string) bool {
	if s == "" {
		return false
	}
	_, err := replicationIDEncoding.DecodeString(s)
	return err == nil
}
