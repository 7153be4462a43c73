package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/book-expert/tts-dispatch/internal/channel"
	"github.com/book-expert/tts-dispatch/internal/pool"
	"github.com/spf13/cobra"
)

const (
	flagEndpoint     = "endpoint"
	flagEndpointDesc = "Only inspect the named endpoint"

	unknownCell = "-"
)

func discoverCmd(load func() (*runtime, error)) *cobra.Command {
	var only string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the voices and presets each endpoint advertises",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.close()

			inspector := newStack(rt.cfg, channel.NewFileSink("", "", io.Discard), nil, rt.log)
			defer inspector.cleanup.Stop()

			endpoints, err := selectEndpoints(inspector.pool, only)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ENDPOINT\tVOICE\tPRESETS\n")

			for _, endpoint := range endpoints {
				refreshErr := inspector.schema.Refresh(cmd.Context(), endpoint, inspector.remote)
				if refreshErr != nil {
					fmt.Fprintf(tw, "%s\t%s\t%v\n", endpoint.Name(), unknownCell, refreshErr)

					continue
				}

				voices := inspector.schema.Voices(endpoint.Name())
				for _, voice := range slices.Sorted(maps.Keys(voices)) {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", endpoint.Name(), voice, strings.Join(voices[voice], ", "))
				}
			}

			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&only, flagEndpoint, "", flagEndpointDesc)

	return cmd
}

func probeCmd(load func() (*runtime, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe every endpoint's queue and print the selection order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.close()

			inspector := newStack(rt.cfg, channel.NewFileSink("", "", io.Discard), nil, rt.log)
			defer inspector.cleanup.Stop()

			inspector.pool.Refresh(cmd.Context(), inspector.remote)

			order, err := inspector.pool.SelectOrder()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "RANK\tENDPOINT\tQUEUE\tCHECKED\n")

			for rank, endpoint := range order {
				status := endpoint.Status()

				queue := unknownCell
				if status.QueueKnown {
					queue = strconv.Itoa(status.QueueSize)
				}

				checked := unknownCell
				if !status.CheckedAt.IsZero() {
					checked = status.CheckedAt.Format(time.TimeOnly)
				}

				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", rank+1, status.Name, queue, checked)
			}

			return tw.Flush()
		},
	}

	return cmd
}

func selectEndpoints(endpointPool *pool.Pool, only string) ([]*pool.Endpoint, error) {
	if only == "" {
		return endpointPool.Endpoints(), nil
	}

	endpoint, ok := endpointPool.Get(only)
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", only)
	}

	return []*pool.Endpoint{endpoint}, nil
}
