package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "p2p-rendezvous",
	Short: "P2P file sharing with a rendezvous tracker",
	Long: `Peers announce the files in their shared directory to a tracker over UDP,
look up who hosts a file, and fetch it directly from that peer over TCP.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

// resolveAddrPort accepts host:port with a hostname or an IP literal.
func resolveAddrPort(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", s, err)
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
