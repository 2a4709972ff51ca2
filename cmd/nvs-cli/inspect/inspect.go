// Package inspect is an interactive, read-only REPL over a parsed
// partition image, for a provisioning engineer poking at a dumped
// image by hand.
package inspect

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/peterh/liner"

	"github.com/nvscore/nvs/builder"
	"github.com/nvscore/nvs/entry"
)

// Run parses data and starts the REPL on stdin/stdout, returning when
// the user exits.
func Run(data []byte) error {
	records, err := builder.Parse(data)
	if err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("%d records loaded. Type 'help' for commands.\n", len(records))

	for {
		input, err := line.Prompt("nvs> ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(input)

		if !dispatch(strings.TrimSpace(input), records) {
			return nil
		}
	}
}

func dispatch(input string, records []builder.Record) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "exit", "quit":
		return false
	case "help":
		printHelp()
	case "namespaces":
		printNamespaces(records)
	case "ls":
		ns := ""
		if len(fields) > 1 {
			ns = fields[1]
		}
		printKeys(records, ns)
	case "cat":
		if len(fields) != 3 {
			fmt.Println("usage: cat <namespace> <key>")
			return true
		}
		printValue(records, fields[1], fields[2])
	default:
		fmt.Printf("unrecognized command %q; type 'help'\n", fields[0])
	}

	return true
}

func printHelp() {
	fmt.Println(`commands:
  namespaces            list every namespace present in the image
  ls [namespace]         list keys, optionally filtered to one namespace
  cat <namespace> <key>  print one value
  exit                   leave the REPL`)
}

func printNamespaces(records []builder.Record) {
	seen := make(map[string]bool)
	for _, r := range records {
		seen[r.Namespace] = true
	}
	var names []string
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
}

func printKeys(records []builder.Record, ns string) {
	for _, r := range records {
		if ns != "" && r.Namespace != ns {
			continue
		}
		fmt.Printf("%s/%s\t%s\n", r.Namespace, r.Key, typeLabel(r.Type))
	}
}

func printValue(records []builder.Record, ns, key string) {
	for _, r := range records {
		if r.Namespace != ns || r.Key != key {
			continue
		}
		fmt.Println(formatValue(r))
		return
	}
	fmt.Printf("%s/%s: not found\n", ns, key)
}

func typeLabel(t entry.Type) string { return t.String() }

func formatValue(r builder.Record) string {
	switch r.Type {
	case entry.TypeString:
		return r.Str
	case entry.TypeBlob:
		return hex.EncodeToString(r.Blob)
	case entry.TypeU8, entry.TypeU16, entry.TypeU32, entry.TypeU64:
		return fmt.Sprintf("%d", r.Uint)
	default:
		return fmt.Sprintf("%d", r.Int)
	}
}
