package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/pool"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

type publishLine struct {
	Relay   string             `json:"relay"`
	Status  pool.PublishStatus `json:"status"`
	Message string             `json:"message,omitempty"`
}

func newPublishCmd(c *cli) *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:   "publish [event.json]",
		Short: "Publish a signed event to the pool and report each relay's answer",
		Long:  "Reads one signed event as JSON from the given file, or from stdin when no file or '-' is given, and prints one result line per target relay.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			evt, err := readEvent(in, c.verify)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			node, err := c.startNode(ctx)
			if err != nil {
				return err
			}
			defer stopNode(node)

			handle, err := node.Pool.Publish(evt, pool.ParseSelector(selector))
			if err != nil {
				return err
			}
			if len(handle.Targets()) == 0 {
				return pool.ErrNoTargets
			}
			results, err := handle.Wait(ctx)
			if err != nil {
				return err
			}

			if err := writeResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if handle.Accepted() == 0 {
				return fmt.Errorf("event %s was accepted by none of %d relays", evt.ID, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&selector, "select", "all", `Relays to publish to: "all", "connected" or a comma-separated list`)
	return cmd
}

// readEvent decodes one event and checks its id, and its signature when
// verify is set.
func readEvent(r io.Reader, verify bool) (*nostr.Event, error) {
	var evt nostr.Event
	if err := json.NewDecoder(r).Decode(&evt); err != nil {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_EVENT", fmt.Sprintf("not a JSON event: %v", err))
	}
	if evt.ID != evt.GetID() {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_EVENT", "id does not match the event hash")
	}
	if verify && !verifySignature(&evt) {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_EVENT", "signature does not verify")
	}
	return &evt, nil
}

func writeResults(w io.Writer, results map[string]pool.RelayResult) error {
	relays := make([]string, 0, len(results))
	for r := range results {
		relays = append(relays, r)
	}
	sort.Strings(relays)

	enc := json.NewEncoder(w)
	for _, r := range relays {
		res := results[r]
		if err := enc.Encode(publishLine{Relay: r, Status: res.Status, Message: res.Message}); err != nil {
			return err
		}
	}
	return nil
}
