// Package ids defines the immutable identifiers used throughout the cluster:
// instances (processes), applications, and nodes (one application hosted on
// one instance).
package ids

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when an identifier cannot be parsed.
var ErrInvalidID = errors.New("invalid id")

// InstanceID identifies one running process participating in the cluster.
type InstanceID uuid.UUID

// ApplicationID identifies a deployable logical application.
type ApplicationID uuid.UUID

// NodeID identifies one application instantiated on one instance.
type NodeID struct {
	Instance    InstanceID
	Application ApplicationID
}

// NewInstanceID returns a random InstanceID.
func NewInstanceID() InstanceID { return InstanceID(uuid.New()) }

// NewApplicationID returns a random ApplicationID.
func NewApplicationID() ApplicationID { return ApplicationID(uuid.New()) }

// NewNodeID builds the NodeID for app hosted on instance.
func NewNodeID(instance InstanceID, app ApplicationID) NodeID {
	return NodeID{Instance: instance, Application: app}
}

// MasterNodeID returns the node reserved for instance-level housekeeping. By
// convention its application id equals the instance id, so the node can be
// addressed knowing only the instance.
func MasterNodeID(instance InstanceID) NodeID {
	return NodeID{Instance: instance, Application: ApplicationID(instance)}
}

// ParseInstanceID parses the canonical string form of an InstanceID.
func ParseInstanceID(s string) (InstanceID, error) {
	u, err := parseUUID("instance", s)
	return InstanceID(u), err
}

// ParseApplicationID parses the canonical string form of an ApplicationID.
func ParseApplicationID(s string) (ApplicationID, error) {
	u, err := parseUUID("application", s)
	return ApplicationID(u), err
}

// ParseNodeID parses "<instance>:<application>".
func ParseNodeID(s string) (NodeID, error) {
	inst, app, ok := strings.Cut(s, ":")
	if !ok {
		return NodeID{}, fmt.Errorf("%w: node id %q: missing separator", ErrInvalidID, s)
	}
	i, err := ParseInstanceID(inst)
	if err != nil {
		return NodeID{}, err
	}
	a, err := ParseApplicationID(app)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{Instance: i, Application: a}, nil
}

func parseUUID(kind, s string) (uuid.UUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s id %q: %v", ErrInvalidID, kind, s, err)
	}
	if u == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %s id is nil", ErrInvalidID, kind)
	}
	return u, nil
}

func (id InstanceID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero value.
func (id InstanceID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id InstanceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *InstanceID) UnmarshalText(b []byte) error {
	v, err := ParseInstanceID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id ApplicationID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether id is the zero value.
func (id ApplicationID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id ApplicationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ApplicationID) UnmarshalText(b []byte) error {
	v, err := ParseApplicationID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (n NodeID) String() string { return n.Instance.String() + ":" + n.Application.String() }

// IsZero reports whether n is the zero value.
func (n NodeID) IsZero() bool { return n.Instance.IsZero() && n.Application.IsZero() }

// IsMaster reports whether n is the master node of its instance.
func (n NodeID) IsMaster() bool { return uuid.UUID(n.Instance) == uuid.UUID(n.Application) }

// HasNodeID lets a NodeID be used directly as a routing address component.
func (n NodeID) HasNodeID() (NodeID, bool) { return n, !n.IsZero() }

func (n NodeID) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NodeID) UnmarshalText(b []byte) error {
	v, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}
