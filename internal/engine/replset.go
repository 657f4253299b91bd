package engine

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// replSetMember and replSetConfig mirror the wire shape of replSetGetConfig
// / replSetReconfig, keyed the way the teacher's replSetMember/replSetConfig
// are, extended with the Priority field already present there.
type replSetMember struct {
	ID       int    `bson:"_id"`
	Host     string `bson:"host"`
	Priority int    `bson:"priority"`
	Hidden   bool   `bson:"hidden,omitempty"`
}

// Config is the exported, adapter-boundary representation of a replica set
// configuration: enough to compute to_add/to_remove and to preserve member
// IDs across reconfigurations (invariant 5).
type Config struct {
	ID      string
	Members []Member
	Version int
}

// Member is one entry of a replica set configuration.
type Member struct {
	ID       int
	Host     string
	Priority int
}

type replSetConfig struct {
	ID      string          `bson:"_id"`
	Members []replSetMember `bson:"members"`
	Version int             `bson:"version"`
}

func (c replSetConfig) toConfig() Config {
	out := Config{ID: c.ID, Version: c.Version, Members: make([]Member, len(c.Members))}
	for i, m := range c.Members {
		out.Members[i] = Member{ID: m.ID, Host: m.Host, Priority: m.Priority}
	}
	return out
}

func fromConfig(c Config) replSetConfig {
	out := replSetConfig{ID: c.ID, Version: c.Version, Members: make([]replSetMember, len(c.Members))}
	for i, m := range c.Members {
		out.Members[i] = replSetMember{ID: m.ID, Host: m.Host, Priority: m.Priority}
	}
	return out
}

// MaxMemberID returns the largest _id in the configuration, or -1 if it has
// no members. Used to allocate new member IDs without ever renumbering
// existing ones (invariant 5).
func (c Config) MaxMemberID() int {
	max := -1
	for _, m := range c.Members {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// HasHost reports whether the configuration already has a member with the
// given host.
func (c Config) HasHost(host string) bool {
	for _, m := range c.Members {
		if m.Host == host {
			return true
		}
	}
	return false
}

// Hosts returns the set of member hosts in the configuration.
func (c Config) Hosts() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		out[m.Host] = struct{}{}
	}
	return out
}

// MemberState mirrors the replica-set member state enum. See
// https://www.mongodb.com/docs/manual/reference/replica-states/.
type MemberState int

const (
	StateStartup    MemberState = 0
	StatePrimary    MemberState = 1
	StateSecondary  MemberState = 2
	StateRecovering MemberState = 3
	StateStartup2   MemberState = 5
	StateUnknown    MemberState = 6
	StateArbiter    MemberState = 7
	StateDown       MemberState = 8
	StateRollback   MemberState = 9
	StateRemoved    MemberState = 10
)

func (s MemberState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StatePrimary:
		return "PRIMARY"
	case StateSecondary:
		return "SECONDARY"
	case StateRecovering:
		return "RECOVERING"
	case StateStartup2:
		return "STARTUP2"
	case StateArbiter:
		return "ARBITER"
	case StateDown:
		return "DOWN"
	case StateRollback:
		return "ROLLBACK"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// MemberHealth is one entry of replSetGetStatus's member list.
type MemberHealth struct {
	Host   string
	State  MemberState
	Optime OplogTimestamp
}

type replSetOptime struct {
	Timestamp primitive.Timestamp `bson:"ts"`
}

type replSetStatusMember struct {
	Name   string         `bson:"name"`
	Self   bool           `bson:"self,omitempty"`
	State  MemberState    `bson:"state"`
	Optime replSetOptime  `bson:"optime"`
}

type replSetStatus struct {
	Set     string                 `bson:"set"`
	MyState MemberState            `bson:"myState"`
	Members []replSetStatusMember  `bson:"members"`
}
