package peer

import (
	"fmt"
	"net/netip"
	"time"

	"tarun-kavipurapu/p2p-rendezvous/pkg/protocol"
)

type Config struct {
	Username    string
	TrackerAddr netip.AddrPort

	// ControlListen and DataListen are local bind addresses; ":0" picks an
	// ephemeral port.
	ControlListen string
	DataListen    string
	// AdvertiseIP is the address announced for the data listener. When unset
	// the interface address used to reach the tracker is announced.
	AdvertiseIP netip.Addr

	SharedDir   string
	DownloadDir string

	DialTimeout     time.Duration
	TransferTimeout time.Duration

	// LookupAttemptWait is how long one tcpinfo attempt waits for its answer
	// before the request is sent again. LookupTimeout bounds all attempts.
	LookupAttemptWait time.Duration
	LookupTimeout     time.Duration

	// ProbeSuppressWindow is how long a repeated probe with the same data
	// goes unanswered.
	ProbeSuppressWindow time.Duration

	ShowProgress bool
}

func DefaultConfig() Config {
	return Config{
		ControlListen:       "0.0.0.0:0",
		DataListen:          "0.0.0.0:0",
		SharedDir:           "Public",
		DownloadDir:         "Downloads",
		DialTimeout:         10 * time.Second,
		TransferTimeout:     2 * time.Minute,
		LookupAttemptWait:   500 * time.Millisecond,
		LookupTimeout:       5 * time.Second,
		ProbeSuppressWindow: time.Second,
	}
}

func (c Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if !protocol.ValidName(c.Username) {
		return fmt.Errorf("username %q: %w", c.Username, protocol.ErrReservedByte)
	}
	if !c.TrackerAddr.IsValid() {
		return fmt.Errorf("tracker address is required")
	}
	if c.SharedDir == "" || c.DownloadDir == "" {
		return fmt.Errorf("shared and download directories are required")
	}
	if c.DialTimeout <= 0 || c.TransferTimeout <= 0 {
		return fmt.Errorf("dial and transfer timeouts must be positive")
	}
	if c.LookupAttemptWait <= 0 || c.LookupTimeout < c.LookupAttemptWait {
		return fmt.Errorf("lookup timeout %s must cover at least one attempt of %s", c.LookupTimeout, c.LookupAttemptWait)
	}
	return nil
}
