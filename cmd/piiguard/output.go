package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
)

var outputFormat string // "table" or "json"

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
		return
	}
	printTable(data)
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinAny(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

// printRows renders a list of records as columns, one record per line.
func printRows(rows []any, columns ...string) {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rows) //nolint:errcheck
		return
	}
	if len(rows) == 0 {
		fmt.Println(color.YellowString("(none)"))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "#\t%s\n", strings.ToUpper(strings.Join(columns, "\t")))
	for i, r := range rows {
		rec, _ := r.(map[string]any)
		cells := make([]string, len(columns))
		for j, c := range columns {
			cells[j] = cellString(lookup(rec, c))
		}
		fmt.Fprintf(w, "%d\t%s\n", i, strings.Join(cells, "\t"))
	}
	w.Flush()
}

// lookup resolves a dotted path such as "payload.type".
func lookup(rec map[string]any, path string) any {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗"), msg)
}

func printSuccess(msg string) {
	fmt.Printf("%s %s\n", color.GreenString("✓"), msg)
}

func printInfo(msg string) {
	fmt.Printf("%s %s\n", color.YellowString("!"), msg)
}
