// pkg/cli/repl.go
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"voron/pkg/slice"
	"voron/pkg/tree"
	"voron/pkg/voron"
)

// ErrExit is returned by Execute for the .exit command.
var ErrExit = errors.New("exit requested")

// REPL provides a Read-Eval-Print Loop over an environment.
type REPL struct {
	env *voron.Environment

	shell *Shell

	output io.Writer

	errOutput io.Writer
}

// NewREPL creates a REPL reading commands from input. The caller keeps
// ownership of env.
func NewREPL(env *voron.Environment, input io.Reader, output, errOutput io.Writer) *REPL {
	if errOutput == nil {
		errOutput = output
	}
	return &REPL{
		env:       env,
		shell:     NewShell(input, output),
		output:    output,
		errOutput: errOutput,
	}
}

// Run reads and executes commands until EOF or .exit.
func (r *REPL) Run() {
	fmt.Fprintln(r.output, "voron shell")
	fmt.Fprintln(r.output, "Enter \".help\" for usage hints.")

	for {
		cmd, eof := r.shell.ReadCommand()
		if cmd != "" {
			err := r.Execute(cmd)
			if errors.Is(err, ErrExit) {
				return
			}
			if err != nil {
				r.printError(err)
			}
		}
		if eof {
			fmt.Fprintln(r.output)
			return
		}
	}
}

// Execute runs a single command line.
func (r *REPL) Execute(line string) error {
	args, err := SplitArgs(line)
	if err != nil {
		return err
	}
	return r.ExecuteArgs(args)
}

// ExecuteArgs runs a command already split into arguments.
func (r *REPL) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	name, args := strings.ToLower(args[0]), args[1:]

	switch name {
	case ".exit", ".quit":
		return ErrExit
	case ".help":
		r.printHelp()
		return nil
	case ".trees", "trees":
		return r.showTrees()
	case ".stats", "stats":
		return r.showStats()
	case ".check", "check":
		return r.check()
	case ".checkpoint", "checkpoint":
		return r.env.Checkpoint(context.Background())
	}

	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (use .help)", name)
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return cmd.run(r, args)
}

type command struct {
	usage   string
	minArgs int
	maxArgs int
	run     func(r *REPL, args []string) error
}

var commands = map[string]command{
	"create":  {"create TREE", 1, 1, (*REPL).createTree},
	"drop":    {"drop TREE", 1, 1, (*REPL).dropTree},
	"put":     {"put TREE KEY VALUE", 3, 3, (*REPL).put},
	"putfile": {"putfile TREE KEY FILE", 3, 3, (*REPL).putFile},
	"get":     {"get TREE KEY", 2, 2, (*REPL).get},
	"del":     {"del TREE KEY", 2, 2, (*REPL).del},
	"madd":    {"madd TREE KEY VALUE", 3, 3, (*REPL).multiAdd},
	"mdel":    {"mdel TREE KEY VALUE", 3, 3, (*REPL).multiDelete},
	"mget":    {"mget TREE KEY", 2, 2, (*REPL).multiGet},
	"scan":    {"scan TREE [PREFIX [LIMIT]]", 1, 3, (*REPL).scan},
}

func (r *REPL) createTree(args []string) error {
	return r.update(func(tx *voron.Transaction) error {
		_, err := r.env.CreateTree(tx, args[0])
		return err
	})
}

func (r *REPL) dropTree(args []string) error {
	return r.update(func(tx *voron.Transaction) error {
		return r.env.DeleteTree(tx, args[0])
	})
}

// update runs fn in a write transaction and commits it.
func (r *REPL) update(fn func(tx *voron.Transaction) error) error {
	tx, err := r.env.NewTransactionContext(context.Background(), voron.ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *REPL) put(args []string) error {
	batch := voron.NewWriteBatch()
	batch.AddBytes(slice.FromString(args[1]), []byte(args[2]), args[0])
	return r.env.Writer().Write(batch)
}

func (r *REPL) putFile(args []string) error {
	f, err := os.Open(args[2])
	if err != nil {
		return err
	}
	defer f.Close()

	batch := voron.NewWriteBatch()
	batch.Add(slice.FromString(args[1]), f, args[0])
	return r.env.Writer().Write(batch)
}

func (r *REPL) del(args []string) error {
	batch := voron.NewWriteBatch()
	batch.Delete(slice.FromString(args[1]), args[0])
	return r.env.Writer().Write(batch)
}

func (r *REPL) multiAdd(args []string) error {
	batch := voron.NewWriteBatch()
	batch.MultiAdd(slice.FromString(args[1]), slice.FromString(args[2]), args[0])
	return r.env.Writer().Write(batch)
}

func (r *REPL) multiDelete(args []string) error {
	batch := voron.NewWriteBatch()
	batch.MultiDelete(slice.FromString(args[1]), slice.FromString(args[2]), args[0])
	return r.env.Writer().Write(batch)
}

func (r *REPL) get(args []string) error {
	snap, err := r.env.CreateSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	value, err := snap.Read(args[0], slice.FromString(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintln(r.output, formatBytes(value))
	return nil
}

func (r *REPL) multiGet(args []string) error {
	snap, err := r.env.CreateSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	it, err := snap.MultiRead(args[0], slice.FromString(args[1]))
	if err != nil {
		return err
	}
	defer it.Close()

	var rows [][]string
	for ok := it.Seek(slice.BeforeAllKeys); ok; ok = it.MoveNext() {
		rows = append(rows, []string{formatBytes(it.CurrentKey().Bytes())})
	}
	if err := it.Err(); err != nil {
		return err
	}
	r.displayTable([]string{"value"}, rows)
	return nil
}

func (r *REPL) scan(args []string) error {
	limit := -1
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit %q", args[2])
		}
		limit = n
	}

	snap, err := r.env.CreateSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	t, err := snap.Transaction().GetTree(args[0])
	if err != nil {
		return err
	}
	it := t.Iterate()
	defer it.Close()
	if len(args) > 1 && args[1] != "" {
		it.SetRequiredPrefix(slice.FromString(args[1]))
	}

	var rows [][]string
	for ok := it.Seek(slice.BeforeAllKeys); ok && limit != 0; ok = it.MoveNext() {
		value := formatBytes(it.Value())
		if it.IsMultiValue() {
			n, err := t.MultiCount(it.CurrentKey())
			if err != nil {
				return err
			}
			value = fmt.Sprintf("[%d values]", n)
		}
		rows = append(rows, []string{formatBytes(it.CurrentKey().Bytes()), value})
		limit--
	}
	if err := it.Err(); err != nil {
		return err
	}
	r.displayTable([]string{"key", "value"}, rows)
	return nil
}

func (r *REPL) showTrees() error {
	snap, err := r.env.CreateSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	names, err := snap.Transaction().TreeNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(r.output, "(no trees)")
		return nil
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		t, err := snap.Transaction().GetTree(name)
		if err != nil {
			return err
		}
		s := t.State()
		rows = append(rows, []string{
			name,
			strconv.FormatUint(s.EntriesCount, 10),
			strconv.Itoa(int(s.Depth)),
			strconv.FormatUint(uint64(s.PageCount()), 10),
		})
	}
	r.displayTable([]string{"tree", "entries", "depth", "pages"}, rows)
	return nil
}

func (r *REPL) showStats() error {
	s := r.env.Stats()
	r.displayTable([]string{"stat", "value"}, [][]string{
		{"env_id", s.EnvID.String()},
		{"path", s.Path},
		{"in_memory", strconv.FormatBool(s.InMemory)},
		{"last_tx_id", strconv.FormatUint(s.LastTxID, 10)},
		{"trees", strconv.Itoa(s.Trees)},
		{"page_size", strconv.Itoa(s.PageSize)},
		{"page_count", strconv.FormatUint(uint64(s.PageCount), 10)},
		{"free_pages", strconv.Itoa(s.FreePages)},
		{"retained_versions", strconv.Itoa(s.RetainedVersions)},
		{"retired_pages", strconv.Itoa(s.RetiredPages)},
		{"active_readers", strconv.Itoa(s.ActiveReaders)},
		{"journal_path", s.JournalPath},
		{"journal_frames", strconv.Itoa(s.JournalFrames)},
		{"journal_bytes", strconv.FormatInt(s.JournalBytes, 10)},
	})
	return nil
}

func (r *REPL) check() error {
	snap, err := r.env.CreateSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	if err := snap.Transaction().Validate(); err != nil {
		return err
	}
	fmt.Fprintln(r.output, "ok")
	return nil
}

// displayTable formats rows as an ASCII table.
func (r *REPL) displayTable(columns []string, rows [][]string) {
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, val := range row {
			if len(val) > widths[i] {
				widths[i] = len(val)
			}
		}
	}

	r.printSeparator(widths)
	r.printRow(columns, widths)
	r.printSeparator(widths)
	for _, row := range rows {
		r.printRow(row, widths)
	}
	r.printSeparator(widths)
	fmt.Fprintf(r.output, "%d row(s)\n", len(rows))
}

func (r *REPL) printSeparator(widths []int) {
	fmt.Fprint(r.output, "+")
	for _, w := range widths {
		fmt.Fprint(r.output, strings.Repeat("-", w+2))
		fmt.Fprint(r.output, "+")
	}
	fmt.Fprintln(r.output)
}

func (r *REPL) printRow(values []string, widths []int) {
	fmt.Fprint(r.output, "|")
	for i, val := range values {
		fmt.Fprintf(r.output, " %-*s |", widths[i], val)
	}
	fmt.Fprintln(r.output)
}

// formatBytes prints printable values as text and anything else as hex.
func formatBytes(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%x", b)
		}
	}
	return string(b)
}

func (r *REPL) printHelp() {
	help := `
.check                        Validate every tree
.checkpoint                   Apply the journal to the data file
.exit                         Exit this program
.help                         Show this help message
.stats                        Show environment statistics
.trees                        List trees

create TREE                   Create a tree
drop TREE                     Delete a tree and its pages
put TREE KEY VALUE            Store a value
putfile TREE KEY FILE         Store the contents of FILE
get TREE KEY                  Print a value
del TREE KEY                  Delete a key
madd TREE KEY VALUE           Add VALUE to the set under KEY
mdel TREE KEY VALUE           Remove VALUE from the set under KEY
mget TREE KEY                 List the set under KEY
scan TREE [PREFIX [LIMIT]]    List keys in order

Quote arguments containing spaces. End a line with \ to continue it.
`
	fmt.Fprintln(r.output, help)
}

func (r *REPL) printError(err error) {
	fmt.Fprintf(r.errOutput, "Error: %v\n", err)
	if errors.Is(err, tree.ErrMultiValue) {
		fmt.Fprintln(r.errOutput, "Use mget for keys holding a set.")
	}
}
