package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// reporter builds the section/field reports printed at startup
type reporter struct {
	sb strings.Builder
}

func (r *reporter) addSection(title string) {
	r.sb.WriteString("\n")
	r.sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
}

func (r *reporter) addField(name, value string) {
	r.sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
}

// --------------------------------------------------------------------------
// Map configuration
// --------------------------------------------------------------------------

// MapConfig holds the parameters used when a map is created. Apart from Path,
// ReplicaID, Checksums and LockTimeout the values are only consumed when a new
// map file is formatted. Reopening an existing file uses the stored geometry.
type MapConfig struct {
	// Path of the map file, empty for an anonymous in-process map
	Path string

	// ReplicaID identifies this replica, it is stamped into every local write
	ReplicaID uint8

	// Capacity hints
	Entries      uint64
	AvgKeySize   int
	AvgValueSize int

	// Layout, 0 derives a value from the capacity hints
	ChunkSize int
	Segments  int

	// Checksums enables CRC-32C verification of every entry read
	Checksums bool

	// LockTimeout bounds every segment lock acquisition on top of the context deadline,
	// 0 selects the engine default (5s for the offheap engine)
	LockTimeout time.Duration
}

// Validate checks the configuration for values that can not be laid out.
func (c *MapConfig) Validate() error {
	switch {
	case c.Entries == 0:
		return errors.Wrap(db.ErrInvalidConfig, "entries must be positive")
	case c.AvgKeySize <= 0:
		return errors.Wrapf(db.ErrInvalidConfig, "average key size must be positive, got %d", c.AvgKeySize)
	case c.AvgValueSize < 0:
		return errors.Wrapf(db.ErrInvalidConfig, "average value size must not be negative, got %d", c.AvgValueSize)
	case c.ChunkSize < 0 || c.ChunkSize%8 != 0:
		return errors.Wrapf(db.ErrInvalidConfig, "chunk size must be a multiple of 8, got %d", c.ChunkSize)
	case c.Segments < 0 || c.Segments&(c.Segments-1) != 0:
		return errors.Wrapf(db.ErrInvalidConfig, "segments must be a power of two, got %d", c.Segments)
	case c.LockTimeout < 0:
		return errors.Wrapf(db.ErrInvalidConfig, "lock timeout must not be negative, got %s", c.LockTimeout)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *MapConfig) String() string {
	var r reporter

	r.addSection("Map")
	if c.Path == "" {
		r.addField("Path", "(anonymous)")
	} else {
		r.addField("Path", c.Path)
	}
	r.addField("Replica ID", strconv.Itoa(int(c.ReplicaID)))
	r.addField("Checksums", strconv.FormatBool(c.Checksums))
	r.addField("Lock Timeout", c.LockTimeout.String())

	r.addSection("Capacity")
	r.addField("Entries", strconv.FormatUint(c.Entries, 10))
	r.addField("Avg Key Size", fmt.Sprintf("%d bytes", c.AvgKeySize))
	r.addField("Avg Value Size", fmt.Sprintf("%d bytes", c.AvgValueSize))
	r.addField("Chunk Size", autoOr(c.ChunkSize))
	r.addField("Segments", autoOr(c.Segments))

	return r.sb.String()
}

func autoOr(v int) string {
	if v == 0 {
		return "auto"
	}
	return strconv.Itoa(v)
}

// --------------------------------------------------------------------------
// Replication configuration
// --------------------------------------------------------------------------

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative keeps the system default
}

// SocketConf holds the socket options applied to every replication connection
type SocketConf struct {
	TCPConf
	WriteBufferSize int
	ReadBufferSize  int
}

// ReplicationConfig holds the parameters of the replication engine.
type ReplicationConfig struct {
	// ListenAddr is the TCP address peers connect to, empty disables accepting
	ListenAddr string

	// Peers maps the replica id of every peer to the address it is dialed at.
	// An empty address means the peer connects to us.
	Peers map[uint8]string

	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration

	// BootstrapBytesPerSec throttles bootstrap traffic, 0 disables the limit
	BootstrapBytesPerSec int

	// CheckpointDir stores acknowledged positions, empty keeps them in memory
	CheckpointDir string

	Socket SocketConf
}

// DefaultReplicationConfig returns a configuration with the default timing values
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		Peers:             map[uint8]string{},
		HeartbeatInterval: time.Second,
		ReconnectMin:      50 * time.Millisecond,
		ReconnectMax:      10 * time.Second,
		Socket: SocketConf{
			TCPConf: TCPConf{
				TCPNoDelay:      true,
				TCPKeepAliveSec: 30,
				TCPLingerSec:    -1,
			},
		},
	}
}

// Validate checks the configuration against the local replica id.
func (c *ReplicationConfig) Validate(self uint8) error {
	if _, ok := c.Peers[self]; ok {
		return errors.Wrapf(db.ErrInvalidConfig, "replica %d lists itself as peer", self)
	}
	switch {
	case c.HeartbeatInterval <= 0:
		return errors.Wrapf(db.ErrInvalidConfig, "heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	case c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin:
		return errors.Wrapf(db.ErrInvalidConfig, "invalid reconnect backoff %s..%s", c.ReconnectMin, c.ReconnectMax)
	case c.BootstrapBytesPerSec < 0:
		return errors.Wrapf(db.ErrInvalidConfig, "bootstrap limit must not be negative, got %d", c.BootstrapBytesPerSec)
	}
	return nil
}

// PeerIDs returns the configured peer ids in ascending order
func (c *ReplicationConfig) PeerIDs() []uint8 {
	ids := make([]uint8, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// String returns a formatted string representation of the configuration
func (c *ReplicationConfig) String() string {
	var r reporter

	r.addSection("Replication")
	r.addField("Listen Address", orNone(c.ListenAddr))
	r.addField("Heartbeat", c.HeartbeatInterval.String())
	r.addField("Reconnect Backoff", fmt.Sprintf("%s .. %s", c.ReconnectMin, c.ReconnectMax))
	if c.BootstrapBytesPerSec > 0 {
		r.addField("Bootstrap Limit", fmt.Sprintf("%d bytes/sec", c.BootstrapBytesPerSec))
	} else {
		r.addField("Bootstrap Limit", "unlimited")
	}
	r.addField("Checkpoints", orNone(c.CheckpointDir))

	r.addSection("Socket")
	r.addField("TCP No Delay", strconv.FormatBool(c.Socket.TCPNoDelay))
	r.addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Socket.TCPKeepAliveSec))
	r.addField("TCP Linger", fmt.Sprintf("%d sec", c.Socket.TCPLingerSec))
	r.addField("Write Buffer", fmt.Sprintf("%d bytes", c.Socket.WriteBufferSize))
	r.addField("Read Buffer", fmt.Sprintf("%d bytes", c.Socket.ReadBufferSize))

	r.addSection("Peers")
	for _, id := range c.PeerIDs() {
		addr := c.Peers[id]
		if addr == "" {
			addr = "(accept only)"
		}
		r.addField(strconv.Itoa(int(id)), addr)
	}

	return r.sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// --------------------------------------------------------------------------
// Node configuration
// --------------------------------------------------------------------------

// NodeConfig combines everything `rkv serve` needs.
type NodeConfig struct {
	Map         MapConfig
	Replication ReplicationConfig

	// HousekeepingInterval is the period of tombstone reclamation, 0 disables it
	HousekeepingInterval time.Duration
	// TombstoneGrace is the minimum age of a tombstone before it is reclaimed
	TombstoneGrace time.Duration

	// MetricsEndpoint serves /metrics, empty disables it
	MetricsEndpoint string

	LogLevel string
}

// Validate checks all parts of the configuration.
func (c *NodeConfig) Validate() error {
	if err := c.Map.Validate(); err != nil {
		return err
	}
	if err := c.Replication.Validate(c.Map.ReplicaID); err != nil {
		return err
	}
	if c.HousekeepingInterval < 0 || c.TombstoneGrace < 0 {
		return errors.Wrap(db.ErrInvalidConfig, "housekeeping durations must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var r reporter

	r.addSection("Node")
	r.addField("Metrics Endpoint", orNone(c.MetricsEndpoint))
	r.addField("Log Level", c.LogLevel)
	r.addField("Housekeeping", c.HousekeepingInterval.String())
	r.addField("Tombstone Grace", c.TombstoneGrace.String())

	return r.sb.String() + c.Map.String() + c.Replication.String()
}
