package hashring

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Token is a position on the hashring, a 128-bit unsigned integer in
// big-endian byte order. The token space matches the ring's key digest so
// that keys and positions are directly comparable.
type Token [16]byte

// Cmp compares two tokens as unsigned 128-bit integers.
func (t Token) Cmp(o Token) int {
	return bytes.Compare(t[:], o[:])
}

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// ParseToken parses a 32-character hex string into a Token.
func ParseToken(s string) (Token, error) {
	var t Token
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(t) {
		return Token{}, errors.New("invalid hashring token", j.KV("token", s))
	}
	copy(t[:], b)
	return t, nil
}

// RandomToken returns a uniformly random ring position.
func RandomToken() Token {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return t
}

// KeyToken digests a lookup key onto the ring's token space.
func KeyToken(key string) Token {
	return md5.Sum([]byte(key))
}

// Well-known keys in a Node's data payload. Positions registered through
// ServiceHashring always carry these; additional keys are service specific.
const (
	DataService    = "service"
	DataServiceKey = "service_key"
	DataHostname   = "hostname"
	DataFQDN       = "fqdn"
	DataPort       = "port"
)

// Node is an occupied position on the hashring. Nodes are immutable value
// objects; equality and ordering are defined by Token alone.
type Node struct {
	Token Token
	Data  map[string]string
}

// ServiceKey returns the owning service instance's unique key, if present.
func (n Node) ServiceKey() string {
	return n.Data[DataServiceKey]
}

// Hostname returns the owning instance's hostname, if present.
func (n Node) Hostname() string {
	return n.Data[DataHostname]
}
