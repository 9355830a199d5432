package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// ZeroDigest anchors the chain: the first entry's PrevDigest.
const ZeroDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeEntryDigest hashes the canonical form of an entry together with
// its predecessor's digest. Every field that drives a decision is bound
// into the digest so retroactive edits break the chain.
func ComputeEntryDigest(entry AuditEntry) (string, error) {
	if entry.EventType == "" {
		return "", errors.New("audit entry missing event_type")
	}
	if entry.PrevDigest == "" {
		return "", errors.New("audit entry missing prev_digest")
	}
	if entry.CreatedAt.IsZero() {
		return "", errors.New("audit entry missing created_at")
	}
	canonical := canonicalEntry{
		Version:    AuditChainVersion,
		ID:         entry.ID,
		Seq:        entry.Seq,
		EventType:  string(entry.EventType),
		Requester:  entry.Requester,
		Service:    entry.Service,
		Action:     entry.Action,
		Risk:       string(entry.Risk),
		Decision:   string(entry.Decision),
		Outcome:    string(entry.Outcome),
		Reason:     entry.Reason,
		PrevDigest: entry.PrevDigest,
		CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256(canonical.JSON())
	return hex.EncodeToString(sum[:]), nil
}

// canonicalEntry serializes with sorted keys and no whitespace so the
// digest is stable across encoders.
type canonicalEntry struct {
	Version    string
	ID         string
	Seq        int64
	EventType  string
	Requester  string
	Service    string
	Action     string
	Risk       string
	Decision   string
	Outcome    string
	Reason     string
	PrevDigest string
	CreatedAt  string
}

func (c canonicalEntry) JSON() []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeKV(buf, "action", c.Action, false)
	writeKV(buf, "created_at", c.CreatedAt, false)
	writeKV(buf, "decision", c.Decision, false)
	writeKV(buf, "event_type", c.EventType, false)
	writeKV(buf, "id", c.ID, false)
	writeKV(buf, "outcome", c.Outcome, false)
	writeKV(buf, "prev_digest", c.PrevDigest, false)
	writeKV(buf, "reason", c.Reason, false)
	writeKV(buf, "requester", c.Requester, false)
	writeKV(buf, "risk", c.Risk, false)
	writeKVNumber(buf, "seq", c.Seq, false)
	writeKV(buf, "service", c.Service, false)
	writeKV(buf, "v", c.Version, true)
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeKV(buf *bytes.Buffer, key, value string, last bool) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	writeJSONString(buf, value)
	if !last {
		buf.WriteByte(',')
	}
}

func writeKVNumber(buf *bytes.Buffer, key string, value int64, last bool) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(value, 10))
	if !last {
		buf.WriteByte(',')
	}
}

func writeJSONString(buf *bytes.Buffer, value string) {
	buf.WriteByte('"')
	for _, r := range value {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

var hexLower = []byte("0123456789abcdef")
