package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NullID is the self-reported id of a node that has never been assigned one.
const NullID = -1

// Role tells the coordinator whether a node executes jobs or submits them.
type Role string

const (
	RoleWorker Role = "WORKER"
	RoleUser   Role = "USER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleWorker || r == RoleUser
}

// ParseRole accepts the role names case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Location is the host and port a node listens on for coordinator connections.
type Location struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the dialable host:port form.
func (l Location) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l Location) String() string { return l.Addr() }

// Performance is the load snapshot a worker reports with STATS.
type Performance struct {
	CPULoad         float64 `json:"cpu_load"`
	OutstandingJobs int     `json:"outstanding_jobs"`
}

func (p Performance) String() string {
	return fmt.Sprintf("cpu_load=%.3f outstanding=%d", p.CPULoad, p.OutstandingJobs)
}

// Job is an opaque unit of work. Type is a stable identifier of the job kind
// and keys the per-type cpu statistics; Payload is never interpreted here.
type Job struct {
	ID      int    `json:"id"`
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"`
}
