package routing

import (
	"fmt"
	"strings"

	"github.com/oriys/lattice/internal/ids"
)

// NodeCorrelated is implemented by address components that name a node.
type NodeCorrelated interface {
	HasNodeID() (ids.NodeID, bool)
}

// Address is an ordered list of opaque components. Components implementing
// NodeCorrelated select nodes; Wildcard means "any node"; anything else is
// carried along but ignored for routing. An empty Address means all nodes.
type Address []any

type wildcard struct{}

func (wildcard) String() string { return "*" }

// Wildcard is the "unspecified" address component.
var Wildcard any = wildcard{}

// IsWildcard reports whether c is the Wildcard component.
func IsWildcard(c any) bool {
	_, ok := c.(wildcard)
	return ok
}

// AddressOf builds an Address naming the given nodes.
func AddressOf(nodes ...ids.NodeID) Address {
	a := make(Address, len(nodes))
	for i, n := range nodes {
		a[i] = n
	}
	return a
}

// NodeIDs returns the distinct nodes named by a, in address order.
func (a Address) NodeIDs() []ids.NodeID {
	var out []ids.NodeID
	seen := make(map[ids.NodeID]struct{})
	for _, c := range a {
		nc, ok := c.(NodeCorrelated)
		if !ok {
			continue
		}
		n, ok := nc.HasNodeID()
		if !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// HasWildcard reports whether any component is the Wildcard.
func (a Address) HasWildcard() bool {
	for _, c := range a {
		if IsWildcard(c) {
			return true
		}
	}
	return false
}

func (a Address) String() string {
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = fmt.Sprint(c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// ParseAddress parses a comma separated list of node ids; "*" yields the
// Wildcard. The empty string is the empty address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, nil
	}
	var a Address
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "*" {
			a = append(a, Wildcard)
			continue
		}
		n, err := ids.ParseNodeID(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAddressing, err)
		}
		a = append(a, n)
	}
	return a, nil
}
