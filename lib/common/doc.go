// Package common provides the configuration structures and the logging setup
// shared by the library packages and the rkv command.
//
// Key Components:
//
//   - MapConfig: Location, replica id and capacity hints of a map. The capacity
//     hints are only consumed when a new map file is formatted.
//
//   - ReplicationConfig: Listen address, peers, timing, bootstrap throttle,
//     checkpoint location and socket options (SocketConf, TCPConf) of the
//     replication engine.
//
//   - NodeConfig: Everything `rkv serve` needs, including housekeeping and the
//     metrics endpoint.
//
//   - Logger: Custom logging implementation that plugs into dragonboats logger
//     package and prints one aligned line per message.
//
// Every config struct has a Validate method returning errors that match
// db.ErrInvalidConfig, and a String method used for the startup report.
package common
