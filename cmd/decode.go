package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmdiffstats/internal/flex"
	"github.com/wegman-software/osmdiffstats/internal/logger"
	"github.com/wegman-software/osmdiffstats/internal/osc"
	"github.com/wegman-software/osmdiffstats/internal/stats"
)

var (
	decodeFilter   string
	decodeCollate  bool
	decodeXML      bool
	decodeDistance string
)

var decodeCmd = &cobra.Command{
	Use:   "decode <file.osc[.gz]>",
	Short: "Decode a change file and print its contents",
	Long: `Decode a local OSC change file (optionally gzip compressed) and print a
summary of its primitives per kind and action.

Examples:
  # Summary of a downloaded minutely diff
  osmdiffstats decode 123.osc.gz

  # Time/action counts as written to current.json, only for highways
  osmdiffstats decode 123.osc.gz --collate --filter highways.lua

  # Re-encode the decoded batch as osmChange XML
  osmdiffstats decode 123.osc.gz --xml

  # Planar distance in degrees between two nodes of the file
  osmdiffstats decode 123.osc.gz --distance 1001,1002`,
	Args: cobra.ExactArgs(1),
	Run:  runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().StringVar(&decodeFilter, "filter", "", "Lua filter script applied before collating")
	decodeCmd.Flags().BoolVar(&decodeCollate, "collate", false, "Print the time/action collation as JSON")
	decodeCmd.Flags().BoolVar(&decodeXML, "xml", false, "Print the decoded batch as osmChange XML")
	decodeCmd.Flags().StringVar(&decodeDistance, "distance", "", "Print the distance between two node ids (a,b)")
}

func runDecode(cmd *cobra.Command, args []string) {
	log := logger.Get()

	batch, err := osc.DecodeFile(args[0])
	if err != nil {
		exitWithError("failed to decode change file", err)
	}

	s := batch.Stats()
	log.Info("Decoded change file",
		zap.String("file", args[0]),
		zap.Int64("changes", s.Total()),
		zap.Int64("dangling_refs", s.DanglingRefs))

	switch {
	case decodeXML:
		if err := batch.WriteXML(os.Stdout); err != nil {
			exitWithError("failed to write XML", err)
		}
		fmt.Println()
	case decodeCollate:
		printCollation(batch)
	case decodeDistance != "":
		printDistance(batch, decodeDistance)
	default:
		fmt.Printf("Nodes:     %d created, %d modified, %d deleted\n", s.NodesCreated, s.NodesModified, s.NodesDeleted)
		fmt.Printf("Ways:      %d created, %d modified, %d deleted\n", s.WaysCreated, s.WaysModified, s.WaysDeleted)
		fmt.Printf("Relations: %d created, %d modified, %d deleted\n", s.RelationsCreated, s.RelationsModified, s.RelationsDeleted)
		fmt.Printf("Dangling node refs: %d\n", s.DanglingRefs)
	}
}

func printCollation(batch *osc.Batch) {
	var filter stats.Filter
	if decodeFilter != "" {
		f := flex.NewFilter()
		defer f.Close()
		if err := f.LoadFile(decodeFilter); err != nil {
			exitWithError("failed to load filter", err)
		}
		filter = f
	}

	snap, err := stats.NewCollector(filter).Collate(0, batch)
	if err != nil {
		exitWithError("failed to collate", err)
	}

	out, err := json.MarshalIndent(snap.TimeAction, "", "  ")
	if err != nil {
		exitWithError("failed to encode collation", err)
	}
	fmt.Println(string(out))
}

func printDistance(batch *osc.Batch, pair string) {
	first, second, ok := strings.Cut(pair, ",")
	if !ok {
		exitWithError("--distance expects two node ids separated by a comma", nil)
	}

	var nodes [2]*osc.Node
	for i, s := range []string{first, second} {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			exitWithError("invalid node id", err)
		}
		if nodes[i] = batch.Nodes[id]; nodes[i] == nil {
			exitWithError(fmt.Sprintf("node %d not in change file", id), nil)
		}
	}

	fmt.Printf("%.7f\n", osc.Distance(nodes[0], nodes[1]))
}
