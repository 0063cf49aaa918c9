package hashring

import (
	"sort"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// ErrEmptyRing is returned when a lookup is attempted against a ring with no
// registered positions.
var ErrEmptyRing = errors.New("no services available (empty hashring)", j.C("ERR_c7a91fe204d863b5"))

// Ring is an immutable snapshot of hashring nodes ordered ascending by token.
// The ring algebra is pure: a Ring never mutates and never touches the
// coordination service.
type Ring []Node

// NewRing sorts nodes into a Ring. The input slice is not modified.
func NewRing(nodes []Node) Ring {
	r := make(Ring, len(nodes))
	copy(r, nodes)
	sort.Slice(r, func(i, j int) bool {
		return r[i].Token.Cmp(r[j].Token) < 0
	})
	return r
}

// FindNode returns the node responsible for key: the first node whose token
// is strictly greater than the key's digest, wrapping to the lowest token if
// the digest is beyond the highest position.
func (r Ring) FindNode(key string) (Node, error) {
	i, err := r.findIndex(key)
	if err != nil {
		return Node{}, err
	}
	return r[i], nil
}

func (r Ring) findIndex(key string) (int, error) {
	if len(r) == 0 {
		return 0, errors.Wrap(ErrEmptyRing, "", j.KV("key", key))
	}
	p := KeyToken(key)
	i := sort.Search(len(r), func(i int) bool {
		return r[i].Token.Cmp(p) > 0
	})
	if i == len(r) {
		i = 0
	}
	return i, nil
}

// PreferenceList returns the distinct service instances responsible for key,
// most preferred first. Starting at FindNode(key) the ring is walked
// clockwise for one revolution; multiple positions of the same instance
// collapse to the most preferred one, and with mergeHosts each hostname also
// appears at most once so replicas spread across physical hosts.
//
// An empty ring yields an empty list.
func (r Ring) PreferenceList(key string, mergeHosts bool) []Node {
	start, err := r.findIndex(key)
	if err != nil {
		return nil
	}

	var ret []Node
	seenKeys := make(map[string]bool)
	seenHosts := make(map[string]bool)
	for i := 0; i < len(r); i++ {
		n := r[(start+i)%len(r)]
		if k := n.ServiceKey(); k != "" && seenKeys[k] {
			continue
		}
		if h := n.Hostname(); h != "" && mergeHosts && seenHosts[h] {
			continue
		}
		ret = append(ret, n)
		seenKeys[n.ServiceKey()] = true
		seenHosts[n.Hostname()] = true
	}
	return ret
}
