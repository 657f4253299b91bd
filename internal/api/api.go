// Package api is the controller's HTTP surface: the peer RPC endpoints
// every node uses to poll its neighbors, and the operator-facing
// read-through endpoints over the same engine state. Routing follows the
// router-table style the engine-appliance's own admin API uses.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ociule/mongorc/internal/engine"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Time time.Time `json:"time"`
}

// PrimaryResponse is the body of GET /primary.
type PrimaryResponse struct {
	Primary   *string `json:"primary"`
	IsPrimary bool    `json:"isPrimary"`
}

// OplogTimestampWire is the wire shape of an oplog timestamp.
type OplogTimestampWire struct {
	Time    uint32 `json:"time"`
	Counter uint32 `json:"counter"`
}

// OplogResponse is the body of GET /oplog.
type OplogResponse struct {
	Hostname  string               `json:"hostname"`
	IP        string               `json:"ip"`
	Timestamp *OplogTimestampWire  `json:"timestamp"`
}

// MemberWire is one entry of a MembersResponse.
type MemberWire struct {
	Host     string `json:"host"`
	Priority int    `json:"priority"`
}

// MembersResponse is the body of GET /members.
type MembersResponse struct {
	ID      string       `json:"id"`
	Version int          `json:"version"`
	Members []MemberWire `json:"members"`
}

// MemberHealthWire is one entry of a StatusResponse.
type MemberHealthWire struct {
	Host   string              `json:"host"`
	State  string              `json:"state"`
	Optime *OplogTimestampWire `json:"optime"`
}

// StatusResponse is the body of GET /status and GET /info: a direct,
// read-through rendering of engine.EngineState.
type StatusResponse struct {
	Kind        string             `json:"kind"`
	SelfState   string             `json:"selfState"`
	PrimaryHost string             `json:"primaryHost,omitempty"`
	Members     []MemberHealthWire `json:"members"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func oplogWire(ts *engine.OplogTimestamp) *OplogTimestampWire {
	if ts == nil {
		return nil
	}
	return &OplogTimestampWire{Time: ts.Seconds, Counter: ts.Counter}
}

func statusWire(s engine.EngineState) StatusResponse {
	out := StatusResponse{
		Kind:        s.Kind.String(),
		SelfState:   s.SelfState.String(),
		PrimaryHost: s.PrimaryHost,
	}
	for _, m := range s.Members {
		mh := MemberHealthWire{Host: m.Host, State: m.State.String()}
		ts := m.Optime
		mh.Optime = &OplogTimestampWire{Time: ts.Seconds, Counter: ts.Counter}
		out.Members = append(out.Members, mh)
	}
	return out
}

func membersWire(cfg engine.Config) MembersResponse {
	out := MembersResponse{ID: cfg.ID, Version: cfg.Version}
	for _, m := range cfg.Members {
		out.Members = append(out.Members, MemberWire{Host: m.Host, Priority: m.Priority})
	}
	return out
}
