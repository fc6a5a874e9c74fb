package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var ipShowFile string

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Inspect a previously written IP dictionary",
	Long: `Render a ".ip" dictionary file (written by a prior "rtrack trace"
run) as a table.

  rtrack ip --show <label>.ip`,
	RunE: runIP,
}

func init() {
	ipCmd.Flags().StringVar(&ipShowFile, "show", "", "Path to a .ip dictionary file")
}

func runIP(cmd *cobra.Command, args []string) error {
	if ipShowFile == "" {
		return cmd.Help()
	}

	f, err := os.Open(ipShowFile)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", ipShowFile, err)
	}
	defer f.Close()

	t := newDictionaryTable(os.Stdout, []string{"Address", "Min TTL", "iTTL (TimeExceeded, Echo)", "Flags"})

	scanner := bufio.NewScanner(f)
	rows := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		row, ok := parseIPLine(line)
		if !ok {
			continue
		}
		t.Append(row)
		rows++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", ipShowFile, err)
	}

	t.Render()
	fmt.Printf("\n%d interfaces.\n", rows)
	return nil
}

// parseIPLine parses one IPTableEntry.ToString() line:
// "<addr> - <minTTL> - <<iTTL-TE>,<iTTL-Echo>> [| flag]*"
func parseIPLine(line string) ([]string, bool) {
	parts := strings.SplitN(line, " | ", 2)
	fields := strings.SplitN(parts[0], " - ", 3)
	if len(fields) != 3 {
		return nil, false
	}

	flags := ""
	if len(parts) == 2 {
		flags = strings.ReplaceAll(parts[1], " | ", "; ")
	}

	return []string{fields[0], fields[1], strings.Trim(fields[2], "<>"), flags}, true
}
