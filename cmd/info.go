package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// relayInfo is the part of a NIP-11 document the info command prints.
type relayInfo struct {
	Address     string
	Name        string
	Description string
	Contact     string
	Software    string
	Version     string
	NIPs        []string
	Err         error
}

func newInfoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info [relay...]",
		Short: "Fetch and print the NIP-11 information document of each relay",
		Long:  "Fetches relay information documents in parallel. Without arguments the configured relays are queried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses := args
			if len(addresses) == 0 {
				if err := c.requireRelays(); err != nil {
					return err
				}
				addresses = c.cfg.Relays
			}

			infos := fetchRelayInfo(cmd.Context(), addresses)
			var errs error
			for _, info := range infos {
				writeRelayInfo(cmd.OutOrStdout(), info)
				errs = multierr.Append(errs, info.Err)
			}
			return errs
		},
	}
}

// fetchRelayInfo queries every address concurrently. Results keep the
// input order; a failed fetch is reported in its entry.
func fetchRelayInfo(ctx context.Context, addresses []string) []relayInfo {
	infos := make([]relayInfo, len(addresses))

	var g errgroup.Group
	g.SetLimit(8)
	for i, address := range addresses {
		g.Go(func() error {
			infos[i] = fetchOne(ctx, address)
			return nil
		})
	}
	_ = g.Wait()
	return infos
}

func fetchOne(ctx context.Context, address string) relayInfo {
	addr, err := relay.NormalizeAddress(address)
	if err != nil {
		return relayInfo{Address: address, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, constants.RelayInfoTimeout)
	defer cancel()

	doc, err := nip11.Fetch(ctx, addr)
	if err != nil {
		return relayInfo{Address: addr, Err: fmt.Errorf("%s: %w", addr, err)}
	}

	info := relayInfo{
		Address:     addr,
		Name:        doc.Name,
		Description: doc.Description,
		Contact:     doc.Contact,
		Software:    doc.Software,
		Version:     doc.Version,
	}
	for _, nip := range doc.SupportedNIPs {
		info.NIPs = append(info.NIPs, constants.NIPLabel(nip))
	}
	return info
}

func writeRelayInfo(w io.Writer, info relayInfo) {
	fmt.Fprintf(w, "%s\n", info.Address)
	if info.Err != nil {
		fmt.Fprintf(w, "  error: %v\n\n", info.Err)
		return
	}
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "  %-12s %s\n", label+":", value)
		}
	}
	field("name", info.Name)
	field("description", info.Description)
	field("contact", info.Contact)
	field("software", info.Software)
	field("version", info.Version)
	if len(info.NIPs) > 0 {
		fmt.Fprintf(w, "  supported NIPs:\n")
		for _, n := range info.NIPs {
			fmt.Fprintf(w, "    %s\n", n)
		}
	}
	fmt.Fprintln(w)
}
