// Command ipctrace renders a trace-ring dump (the UART line format from
// spec.md §6, produced by trace.Ring.DumpUART) as a readable table. The
// core persists nothing, so there is no live socket to query here —
// ipctrace's job is purely to make a captured dump (piped from a serial
// log, or saved from a nexusd run) legible, the same spirit as wt's
// tabwriter-rendered lists but over an append-only log instead of a
// daemon RPC.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var lineRe = regexp.MustCompile(`^IPC-TRACE (\S+) seq=0x([0-9a-fA-F]+) ep=0x([0-9a-fA-F]+) flags=0x([0-9a-fA-F]+) len=0x([0-9a-fA-F]+) st=0x([0-9a-fA-F]+) x=0x([0-9a-fA-F]+)$`)

type event struct {
	kind                          string
	seq, ep, flags, length, st, x uint64
}

func parseLine(line string) (event, bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return event{}, false
	}
	parseHex := func(s string) uint64 {
		v, _ := strconv.ParseUint(s, 16, 64)
		return v
	}
	return event{
		kind:   m[1],
		seq:    parseHex(m[2]),
		ep:     parseHex(m[3]),
		flags:  parseHex(m[4]),
		length: parseHex(m[5]),
		st:     parseHex(m[6]),
		x:      parseHex(m[7]),
	}, true
}

func main() {
	root := &cobra.Command{
		Use:   "ipctrace",
		Short: "render a captured IPC-TRACE dump as a table",
	}
	root.AddCommand(dumpCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func dumpCmd() *cobra.Command {
	var kindFilter string
	var epFilter uint32

	cmd := &cobra.Command{
		Use:   "dump [file]",
		Short: "parse and print an IPC-TRACE dump (reads stdin if no file given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}

			wide := true
			if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
				w, _, err := term.GetSize(fd)
				if err == nil && w < 100 {
					wide = false
				}
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			header := "SEQ\tKIND\tEP\tLEN\tSTATUS"
			if wide {
				header += "\tFLAGS\tEXTRA"
			}
			fmt.Fprintln(tw, header)

			scanner := bufio.NewScanner(r)
			count := 0
			for scanner.Scan() {
				ev, ok := parseLine(scanner.Text())
				if !ok {
					continue
				}
				if kindFilter != "" && ev.kind != kindFilter {
					continue
				}
				if epFilter != 0 && ev.ep != uint64(epFilter) {
					continue
				}
				count++
				row := fmt.Sprintf("%s\t%s\t%d\t%s\t%d", humanize.Comma(int64(ev.seq)), ev.kind, ev.ep, humanize.Bytes(ev.length), ev.st)
				if wide {
					row += fmt.Sprintf("\t0x%x\t0x%x", ev.flags, ev.x)
				}
				fmt.Fprintln(tw, row)
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read trace dump: %w", err)
			}
			tw.Flush()
			fmt.Printf("%s events\n", humanize.Comma(int64(count)))
			return nil
		},
	}
	cmd.Flags().StringVar(&kindFilter, "kind", "", "only show events of this kind (send, recv, capalloc, epnew, epclose, capxfer, capmove)")
	cmd.Flags().Uint32Var(&epFilter, "ep", 0, "only show events for this endpoint id")
	return cmd
}
