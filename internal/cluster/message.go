package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command identifies the intent of a Message.
type Command int

const (
	CmdStats Command = iota
	CmdNewTask
	CmdAbort
	CmdRemoveTask
	CmdResult
	CmdSync
	CmdHandshake
	CmdSetLoadBalancer
)

var commandNames = [...]string{
	CmdStats:           "STATS",
	CmdNewTask:         "NEW_TASK",
	CmdAbort:           "ABORT",
	CmdRemoveTask:      "REMOVE_TASK",
	CmdResult:          "RESULT",
	CmdSync:            "SYNC",
	CmdHandshake:       "HANDSHAKE",
	CmdSetLoadBalancer: "SET_LOAD_LB",
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return fmt.Sprintf("Command(%d)", int(c))
	}
	return commandNames[c]
}

// MarshalText encodes the command by name so the wire format stays readable.
func (c Command) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(commandNames) {
		return nil, fmt.Errorf("unknown command %d", int(c))
	}
	return []byte(commandNames[c]), nil
}

func (c *Command) UnmarshalText(text []byte) error {
	for i, name := range commandNames {
		if name == string(text) {
			*c = Command(i)
			return nil
		}
	}
	return fmt.Errorf("unknown command %q", text)
}

// ErrMissingArg is returned when a positional argument is absent.
var ErrMissingArg = errors.New("missing message argument")

// Message is the unit exchanged between nodes and the coordinator. Args are
// positional and command specific; they are kept as raw JSON so that a
// message can be relayed without knowing every argument's type.
//
// A Message is treated as immutable: WithArg returns a modified copy.
type Message struct {
	Command Command           `json:"command"`
	Args    []json.RawMessage `json:"args,omitempty"`
}

// NewMessage encodes args positionally.
func NewMessage(cmd Command, args ...any) (Message, error) {
	m := Message{Command: cmd, Args: make([]json.RawMessage, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s arg %d: %w", cmd, i, err)
		}
		m.Args[i] = raw
	}
	return m, nil
}

func mustMessage(cmd Command, args ...any) Message {
	m, err := NewMessage(cmd, args...)
	if err != nil {
		panic(err)
	}
	return m
}

// Sync announces a node's id, listening port and role.
func Sync(id, port int, role Role) Message {
	return mustMessage(CmdSync, id, port, role)
}

// HandshakeProbe is the content-free opening of a handshake delivery.
func HandshakeProbe() Message {
	return Message{Command: CmdHandshake}
}

// HandshakeReply carries the responder's id back to the coordinator.
func HandshakeReply(id int) Message {
	return mustMessage(CmdHandshake, id)
}

// NewTask submits job on behalf of owner.
func NewTask(owner int, job Job) Message {
	return mustMessage(CmdNewTask, owner, job)
}

// Result reports the outcome of a job. cpuShare must be a finite number.
func Result(worker, jobID int, payload []byte, cpuShare float64) (Message, error) {
	return NewMessage(CmdResult, worker, jobID, payload, cpuShare)
}

// Stats reports a worker's load snapshot.
func Stats(id int, perf Performance) (Message, error) {
	return NewMessage(CmdStats, id, perf)
}

// SetLoadBalancer asks the coordinator to switch to policy index.
func SetLoadBalancer(id, index int) Message {
	return mustMessage(CmdSetLoadBalancer, id, index)
}

// Arg decodes argument i into v.
func (m Message) Arg(i int, v any) error {
	if i < 0 || i >= len(m.Args) || len(m.Args[i]) == 0 {
		return fmt.Errorf("%s arg %d: %w", m.Command, i, ErrMissingArg)
	}
	if err := json.Unmarshal(m.Args[i], v); err != nil {
		return fmt.Errorf("%s arg %d: %w", m.Command, i, err)
	}
	return nil
}

// Int decodes argument i as an integer.
func (m Message) Int(i int) (int, error) {
	var v int
	err := m.Arg(i, &v)
	return v, err
}

// Float decodes argument i as a float.
func (m Message) Float(i int) (float64, error) {
	var v float64
	err := m.Arg(i, &v)
	return v, err
}

// Job decodes argument i as a Job.
func (m Message) Job(i int) (Job, error) {
	var v Job
	err := m.Arg(i, &v)
	return v, err
}

// Performance decodes argument i as a Performance snapshot.
func (m Message) Performance(i int) (Performance, error) {
	var v Performance
	err := m.Arg(i, &v)
	return v, err
}

// Role decodes argument i as a Role.
func (m Message) Role(i int) (Role, error) {
	var v Role
	if err := m.Arg(i, &v); err != nil {
		return "", err
	}
	if !v.Valid() {
		return "", fmt.Errorf("%s arg %d: unknown role %q", m.Command, i, v)
	}
	return v, nil
}

// WithArg returns a copy of m whose argument i is replaced by v. The
// argument list is extended with nulls if needed.
func (m Message) WithArg(i int, v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s arg %d: %w", m.Command, i, err)
	}
	n := len(m.Args)
	if i >= n {
		n = i + 1
	}
	out := Message{Command: m.Command, Args: make([]json.RawMessage, n)}
	copy(out.Args, m.Args)
	for j := len(m.Args); j < n; j++ {
		out.Args[j] = json.RawMessage("null")
	}
	out.Args[i] = raw
	return out, nil
}

// Key identifies a message by content: two messages with the same command
// and byte-identical arguments share a key.
func (m Message) Key() string {
	var b strings.Builder
	b.WriteString(m.Command.String())
	for _, a := range m.Args {
		b.WriteByte('|')
		b.Write(bytes.TrimSpace(a))
	}
	return b.String()
}

// Equal reports whether m and o carry the same content.
func (m Message) Equal(o Message) bool {
	return m.Key() == o.Key()
}

func (m Message) String() string {
	s := m.Key()
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return s
}
