// Command btreedb-shell is an interactive REPL over a single BTreeDB
// file, grounded on cmd/gojodb_cli/main.go's bufio prompt loop (the
// teacher's own CLI is an HTTP client, but its loop/prompt/dispatch
// shape carries over directly) and on original_source/main.rs's command
// set and typed-value display — not its rustyline-based line editing,
// which spec.md places out of scope.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sushant-115/btreedb/pkg/engine"
	"github.com/sushant-115/btreedb/pkg/value"
)

func main() {
	path := flag.String("db", "", "path to the database file")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: btreedb-shell -db PATH")
		os.Exit(2)
	}

	e, err := engine.Open(*path, engine.Options{CreateIfMissing: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening %s: %v\n", *path, err)
		os.Exit(1)
	}
	defer e.Close()

	fmt.Println("BTreeDB shell. Type 'help' for commands, '.exit' to leave.")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("btreedb> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nbye")
				return
			}
			fmt.Fprintf(os.Stderr, "reading input: %v\n", err)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !dispatch(e, line) {
			return
		}
	}
}

// dispatch runs one command line, returning false if the shell should
// exit.
func dispatch(e *engine.Engine, line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case ".exit", "exit", "quit":
		fmt.Println("bye")
		return false

	case "help":
		printHelp()

	case "set":
		if len(fields) < 3 {
			fmt.Println("usage: set KEY VALUE")
			return true
		}
		v, err := value.Parse(strings.Join(fields[2:], " "))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		if err := e.Put([]byte(fields[1]), value.Encode(v)); err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Println("OK")

	case "get":
		if len(fields) != 2 {
			fmt.Println("usage: get KEY")
			return true
		}
		buf, found, err := e.Get([]byte(fields[1]))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		if !found {
			fmt.Println("(not found)")
			return true
		}
		v, err := value.Decode(buf)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Println(value.Display(v))

	case "delete":
		if len(fields) != 2 {
			fmt.Println("usage: delete KEY")
			return true
		}
		found, err := e.Delete([]byte(fields[1]))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		if found {
			fmt.Println("OK")
		} else {
			fmt.Println("(not found)")
		}

	case "scan":
		var start, end string
		if len(fields) > 1 {
			start = fields[1]
		}
		if len(fields) > 2 {
			end = fields[2]
		}
		runScan(e, start, end)

	case ".stats":
		st, err := e.Stats()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("keys=%d height=%d leaves=%d internal=%d\n", st.Keys, st.TreeHeight, st.LeafNodes, st.InternalNodes)

	case ".dump":
		dump, err := e.DumpTree()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Print(dump)

	case ".checkpoint":
		if err := e.Checkpoint(); err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Println("OK")

	default:
		fmt.Printf("unknown command %q; type 'help'\n", cmd)
	}
	return true
}

func runScan(e *engine.Engine, start, end string) {
	c, err := e.Scan([]byte(start), []byte(end))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	key, val, ok := c.Current()
	for ok {
		v, err := value.Decode(val)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("%s = %s\n", key, value.Display(v))
		ok, err = c.Next()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if ok {
			key, val, ok = c.Current()
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  set KEY VALUE     upsert a typed value (i:N, f:N, b:HEX, s:TEXT, null, or a bare string)
  get KEY           fetch and display a value
  delete KEY        remove a key
  scan [START [END]] iterate keys in [START, END) order, END exclusive
  .stats            show tree shape
  .dump             print the tree structure
  .checkpoint       flush the WAL into the database file
  .exit             leave the shell`)
}
