package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tarun-kavipurapu/p2p-rendezvous/peer"
	"tarun-kavipurapu/p2p-rendezvous/pkg/discovery"
	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
	"tarun-kavipurapu/p2p-rendezvous/pkg/monitor"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
)

var (
	peerCfg         = peer.DefaultConfig()
	trackerAddr     string
	advertiseIP     string
	discover        bool
	fileToFetch     string
	metricsInterval time.Duration
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer that shares a directory and fetches files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := resolvePeerConfig(ctx); err != nil {
			return err
		}
		logger.Sugar.Infof("Starting peer %s, tracker %s", peerCfg.Username, peerCfg.TrackerAddr)

		p := peer.NewPeer(peerCfg)
		if err := p.Start(ctx); err != nil {
			return err
		}
		defer p.Stop()

		if metricsInterval > 0 {
			go monitor.LogPeriodic(ctx, metricsInterval)
		}

		if fileToFetch != "" {
			fetchAndReport(ctx, p, fileToFetch)
		}

		if !peerInteractive {
			<-ctx.Done()
			return nil
		}

		go printEvents(ctx, p)

		fmt.Println("P2P Rendezvous Peer Interactive Shell")
		fmt.Println("Type 'help' for commands.")

		prompt.New(
			func(in string) { peerExecutor(ctx, in, p) },
			peerCompleter,
			prompt.OptionPrefix(peerCfg.Username+"> "),
			prompt.OptionTitle("P2P Rendezvous Peer"),
		).Run()
		return nil
	},
}

func resolvePeerConfig(ctx context.Context) error {
	if peerCfg.Username == "" {
		peerCfg.Username = os.Getenv("USER")
	}

	if discover {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		addr, err := discovery.ResolveTracker(dctx)
		if err != nil {
			return fmt.Errorf("tracker discovery failed: %w", err)
		}
		peerCfg.TrackerAddr = addr
	} else {
		addr, err := resolveAddrPort(trackerAddr)
		if err != nil {
			return err
		}
		peerCfg.TrackerAddr = addr
	}

	if advertiseIP != "" {
		ip, err := netip.ParseAddr(advertiseIP)
		if err != nil {
			return fmt.Errorf("invalid advertise ip %q: %w", advertiseIP, err)
		}
		peerCfg.AdvertiseIP = ip
	}
	return nil
}

func fetchAndReport(ctx context.Context, p *peer.Peer, name string) {
	path, err := p.Fetch(ctx, name)
	switch {
	case errors.Is(err, peer.ErrFileNotFound):
		fmt.Printf("%s: not found on the network\n", name)
	case errors.Is(err, peer.ErrDirectoryFull):
		fmt.Println("Tracker directory is full; this peer is not registered.")
	case err != nil:
		fmt.Printf("Fetching %s failed: %v\n", name, err)
	default:
		fmt.Printf("Saved %s\n", path)
	}
}

// printEvents reports tracker answers that arrive outside a command.
func printEvents(ctx context.Context, p *peer.Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.Events():
			switch ev.Type {
			case peer.EventResourceListing:
				if len(ev.Resources) == 0 {
					fmt.Println("No resources on the network.")
				}
				for _, r := range ev.Resources {
					fmt.Printf("- %s: %s\n", r.Username, r.Filename)
				}
			case peer.EventDirectoryFull:
				fmt.Println("Tracker directory is full; this peer is not registered.")
			}
		}
	}
}

func peerExecutor(ctx context.Context, in string, p *peer.Peer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		if err := p.Stop(); err != nil {
			logger.Sugar.Warnf("[Peer] stop: %v", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(p.GetStatus())
	case "resources":
		if err := p.RequestResources(); err != nil {
			fmt.Printf("Error requesting resources: %v\n", err)
		}
	case "request":
		if len(blocks) < 2 {
			fmt.Println("Usage: request <filename>")
			return
		}
		fetchAndReport(ctx, p, blocks[1])
	case "rescan":
		files, err := p.Rescan()
		if err != nil {
			fmt.Printf("Error scanning shared directory: %v\n", err)
			return
		}
		fmt.Printf("%d files shared. Use 'announce' to publish them.\n", len(files))
	case "announce":
		if err := p.Announce(); err != nil {
			fmt.Printf("Error announcing: %v\n", err)
		} else {
			fmt.Println("Announced.")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status              - Show peer status")
		fmt.Println("  resources           - List files available on the network")
		fmt.Println("  request <filename>  - Fetch a file from the peer hosting it")
		fmt.Println("  rescan              - Reread the shared directory")
		fmt.Println("  announce            - Send the shared file list to the tracker")
		fmt.Println("  exit                - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "resources", Description: "List files on the network"},
		{Text: "request", Description: "Fetch a file"},
		{Text: "rescan", Description: "Reread the shared directory"},
		{Text: "announce", Description: "Publish the shared file list"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	f := peerCmd.Flags()
	f.StringVarP(&peerCfg.Username, "username", "u", os.Getenv("USER"), "Name announced to the tracker")
	f.StringVarP(&trackerAddr, "tracker", "t", "127.0.0.1:3941", "Tracker control address")
	f.BoolVar(&discover, "discover", false, "Find the tracker over mDNS instead of --tracker")
	f.StringVar(&peerCfg.ControlListen, "control-addr", peerCfg.ControlListen, "Local UDP address for the control channel")
	f.StringVarP(&peerCfg.DataListen, "addr", "a", peerCfg.DataListen, "Local TCP address for incoming transfers")
	f.StringVar(&advertiseIP, "advertise-ip", "", "IP announced for incoming transfers (default: route to tracker)")
	f.StringVarP(&peerCfg.SharedDir, "shared", "s", peerCfg.SharedDir, "Directory whose files are shared")
	f.StringVarP(&peerCfg.DownloadDir, "downloads", "d", peerCfg.DownloadDir, "Directory fetched files are saved to")
	f.DurationVar(&peerCfg.TransferTimeout, "transfer-timeout", peerCfg.TransferTimeout, "Upper bound on a single transfer")
	f.BoolVar(&peerCfg.ShowProgress, "progress", true, "Render a progress bar while fetching")
	f.StringVarP(&fileToFetch, "fetch", "f", "", "File to fetch immediately after start")
	f.DurationVar(&metricsInterval, "metrics-interval", 0, "Log runtime metrics at this interval (0 disables)")
	f.BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
