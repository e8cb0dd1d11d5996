package cmd

import (
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"metrochat/storage"
)

var peersLANFlag bool

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list saved peers",
	Long:  `peers lists the saved peer directory; with --lan it first browses the local network and saves every listener it finds`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if peersLANFlag {
			return scanLAN(cmd)
		}
		return withStore(func(store *storage.Store) error {
			peers, err := store.ListPeers()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tSOURCE\tLAST ACTIVE")
			for _, peer := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					peer.Name,
					peer.Addr(),
					peer.Source,
					time.UnixMilli(peer.LastActive).Format(time.DateTime),
				)
			}
			return w.Flush()
		})
	},
}

var addPeerCmd = &cobra.Command{
	Use:   "add-peer name host:port",
	Short: "save a peer under a name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, rawPort, err := net.SplitHostPort(args[1])
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[1], err)
		}
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", rawPort, err)
		}
		return withStore(func(store *storage.Store) error {
			peer, err := store.AddPeer(storage.Peer{Name: args[0], Host: host, Port: port})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s at %s\n", peer.Name, peer.Addr())
			return nil
		})
	},
}

var removePeerCmd = &cobra.Command{
	Use:   "remove-peer name",
	Short: "forget a saved peer and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			return store.RemovePeer(args[0])
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history name",
	Short: "print the chat history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			peer, err := store.GetPeerByName(args[0])
			if err != nil {
				return fmt.Errorf("peer %q: %w", args[0], err)
			}
			return store.ExportChat(peer.PeerID, cmd.OutOrStdout())
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export name file",
	Short: "write the chat history with a peer to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			peer, err := store.GetPeerByName(args[0])
			if err != nil {
				return fmt.Errorf("peer %q: %w", args[0], err)
			}
			if err := store.ExportChatFile(peer.PeerID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported history with %s to %s\n", peer.Name, args[1])
			return nil
		})
	},
}

func init() {
	peersCmd.Flags().BoolVar(&peersLANFlag, "lan", false, "browse the local network for listening peers")
}

func scanLAN(cmd *cobra.Command) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()

	peers, err := svc.ScanLAN(cmd.Context())
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no peers found on the local network")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPEER ID")
	for _, peer := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", peer.Name, peer.Addr(), peer.PeerID)
	}
	return w.Flush()
}

func withStore(fn func(*storage.Store) error) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
	}()
	return fn(svc.Store())
}
