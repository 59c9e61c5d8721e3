package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads env files and makes viper read RKV_<flag> environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("rkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Map flags
// --------------------------------------------------------------------------

// SetupMapFlags adds the flags describing the mapped file to a command
func SetupMapFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	key := "path"
	flags.String(key, "rkv.map", WrapString("Path of the map file. It is created if it does not exist"))

	key = "replica-id"
	flags.Int(key, 1, WrapString("Replica id (1-255) stamped into every local write. It must match the id the map file was created with"))

	key = "entries"
	flags.Uint64(key, 100_000, WrapString("(New maps only) Expected number of entries"))

	key = "avg-key-size"
	flags.Int(key, 32, WrapString("(New maps only) Average key size in bytes"))

	key = "avg-value-size"
	flags.Int(key, 128, WrapString("(New maps only) Average value size in bytes"))

	key = "chunk-size"
	flags.Int(key, 0, WrapString("(New maps only) Chunk size in bytes, a multiple of 8. 0 derives it from the average sizes"))

	key = "segments"
	flags.Int(key, 0, WrapString("(New maps only) Number of segments, a power of two. 0 derives it from the entries"))

	key = "checksums"
	flags.Bool(key, true, WrapString("Verify a CRC-32C checksum on every entry read"))

	key = "lock-timeout"
	flags.Duration(key, 0, WrapString("Upper bound for every segment lock acquisition (e.g. 500ms), 0 uses the default"))

	key = "log-level"
	flags.String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetMapConfig reads the map configuration from viper
func GetMapConfig() (common.MapConfig, error) {
	id := viper.GetInt("replica-id")
	if id < 1 || id > 255 {
		return common.MapConfig{}, fmt.Errorf("replica id must be in 1..255, got %d", id)
	}

	conf := common.MapConfig{
		Path:         viper.GetString("path"),
		ReplicaID:    uint8(id),
		Entries:      viper.GetUint64("entries"),
		AvgKeySize:   viper.GetInt("avg-key-size"),
		AvgValueSize: viper.GetInt("avg-value-size"),
		ChunkSize:    viper.GetInt("chunk-size"),
		Segments:     viper.GetInt("segments"),
		Checksums:    viper.GetBool("checksums"),
		LockTimeout:  viper.GetDuration("lock-timeout"),
	}
	return conf, conf.Validate()
}

// --------------------------------------------------------------------------
// Replication flags
// --------------------------------------------------------------------------

// SetupReplicationFlags adds the flags of the replication engine to a command
func SetupReplicationFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	defaults := common.DefaultReplicationConfig()

	key := "listen"
	flags.String(key, "0.0.0.0:7420", WrapString("TCP address peers connect to, empty disables accepting connections"))

	key = "peers"
	flags.String(key, "", WrapString("Comma-separated list of peers in the format 'ID=host:port'. An empty address (e.g. '3=') means the peer connects to us"))

	key = "heartbeat"
	flags.Duration(key, defaults.HeartbeatInterval, WrapString("Interval of heartbeats on idle connections. A connection without frames for three intervals is closed"))

	key = "reconnect-min"
	flags.Duration(key, defaults.ReconnectMin, WrapString("First reconnect delay, doubled after every failed attempt"))

	key = "reconnect-max"
	flags.Duration(key, defaults.ReconnectMax, WrapString("Upper bound of the reconnect delay"))

	key = "bootstrap-limit"
	flags.Int(key, 0, WrapString("Bootstrap traffic limit per peer in KB/s, 0 disables the limit"))

	key = "checkpoint-dir"
	flags.String(key, "checkpoints", WrapString("Directory for acknowledged positions of the peers, empty keeps them in memory (every restart bootstraps all peers)"))

	key = "transport-write-buffer"
	flags.Int(key, 512, WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	flags.Int(key, 512, WrapString("The size of the socket read buffer (in KB)"))

	key = "transport-tcp-nodelay"
	flags.Bool(key, true, WrapString("Whether to enable TCP_NODELAY"))

	key = "transport-tcp-keepalive"
	flags.Int(key, 30, WrapString("The keepalive interval (in seconds)"))

	key = "transport-tcp-linger"
	flags.Int(key, -1, WrapString("The linger time (in seconds), negative keeps the system default"))

	key = "housekeeping"
	flags.Duration(key, 30*time.Second, WrapString("Interval of tombstone reclamation, 0 disables it"))

	key = "tombstone-grace"
	flags.Duration(key, time.Hour, WrapString("Minimum age of a tombstone before it is reclaimed"))

	key = "metrics-endpoint"
	flags.String(key, "0.0.0.0:9420", WrapString("Address serving Prometheus metrics on /metrics, empty disables it"))
}

// ParsePeers parses a list of the form "2=host:port,3="
func ParsePeers(s string) (map[uint8]string, error) {
	peers := make(map[uint8]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, member := range strings.Split(s, ",") {
		parts := strings.SplitN(member, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected ID=address)", member)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid peer id %q: must be in 1..255", parts[0])
		}
		if _, dup := peers[uint8(id)]; dup {
			return nil, fmt.Errorf("peer %d is listed twice", id)
		}
		peers[uint8(id)] = strings.TrimSpace(parts[1])
	}
	return peers, nil
}

// GetNodeConfig reads the complete node configuration from viper
func GetNodeConfig() (*common.NodeConfig, error) {
	mapConf, err := GetMapConfig()
	if err != nil {
		return nil, err
	}
	peers, err := ParsePeers(viper.GetString("peers"))
	if err != nil {
		return nil, err
	}

	repl := common.DefaultReplicationConfig()
	repl.ListenAddr = viper.GetString("listen")
	repl.Peers = peers
	repl.HeartbeatInterval = viper.GetDuration("heartbeat")
	repl.ReconnectMin = viper.GetDuration("reconnect-min")
	repl.ReconnectMax = viper.GetDuration("reconnect-max")
	repl.BootstrapBytesPerSec = viper.GetInt("bootstrap-limit") * 1024
	repl.CheckpointDir = viper.GetString("checkpoint-dir")
	repl.Socket = common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}

	conf := &common.NodeConfig{
		Map:                  mapConf,
		Replication:          repl,
		HousekeepingInterval: viper.GetDuration("housekeeping"),
		TombstoneGrace:       viper.GetDuration("tombstone-grace"),
		MetricsEndpoint:      viper.GetString("metrics-endpoint"),
		LogLevel:             viper.GetString("log-level"),
	}
	return conf, conf.Validate()
}
