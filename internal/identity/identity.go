// Package identity derives the deterministic row identities shared by the
// pipeline stages. Identity is a content hash of a canonicalized tuple, so
// concurrent producers can upsert without coordination and restarts are
// replay-safe.
package identity

import (
	"crypto/sha1"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PeerHashID returns the stable UUID for a (peer_addr, peer_asn) pair.
func PeerHashID(peerAddr string, peerASN int64) uuid.UUID {
	return hashUUID(peerAddr + "|" + strconv.FormatInt(peerASN, 10))
}

// BaseAttrsHashID returns the stable UUID for a path attribute bundle.
// nextHop may be empty (withdrawals carry no next hop).
func BaseAttrsHashID(asPath []int64, originAS int64, nextHop string) uuid.UUID {
	var b strings.Builder
	for i, asn := range asPath {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(asn, 10))
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(originAS, 10))
	b.WriteByte('|')
	b.WriteString(nextHop)
	return hashUUID(b.String())
}

func hashUUID(key string) uuid.UUID {
	sum := sha1.Sum([]byte(key))
	id, _ := uuid.FromBytes(sum[:16])
	return id
}
