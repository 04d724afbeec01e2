package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/allgood/pigeonhole/server/sieveengine"
	"github.com/allgood/pigeonhole/sieve"
)

func newEngine(configPath string) (*sieveengine.Engine, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return sieveengine.New(cfg.Sieve)
}

// checkFiles compiles every file and writes diagnostics to w. It reports
// whether all of them compiled.
func checkFiles(engine *sieveengine.Engine, files []string, w io.Writer) (bool, error) {
	ok := true
	for _, name := range files {
		src, err := os.ReadFile(name)
		if err != nil {
			return false, err
		}
		if _, err := engine.CompileFile(name, string(src)); err != nil {
			ok = false
			var list sieve.ErrorList
			if errors.As(err, &list) {
				fmt.Fprint(w, list.Lines())
				continue
			}
			fmt.Fprintf(w, "%s: error: %v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s: ok\n", name)
	}
	return ok, nil
}

func handleCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Printf("Usage:\n  sievec check [-config file] script...\n")
	}
	fs.Parse(args)
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError(2)
	}

	engine, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	ok, err := checkFiles(engine, fs.Args(), os.Stdout)
	if err != nil {
		return err
	}
	if !ok {
		return exitError(1)
	}
	return nil
}

func handleCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	configPath := configFlag(fs)
	output := fs.String("o", "", "Output file (default: script name with .svbin extension)")
	fs.Usage = func() {
		fmt.Printf("Usage:\n  sievec compile [-config file] [-o output] script\n")
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return exitError(2)
	}

	engine, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	name := fs.Arg(0)
	out := *output
	if out == "" {
		out = strings.TrimSuffix(name, ".sieve") + ".svbin"
	}
	return compileFile(engine, name, out, os.Stderr)
}

func compileFile(engine *sieveengine.Engine, name, out string, diag io.Writer) error {
	src, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	prog, err := engine.CompileFile(name, string(src))
	if err != nil {
		var list sieve.ErrorList
		if errors.As(err, &list) {
			fmt.Fprint(diag, list.Lines())
			return exitError(1)
		}
		return err
	}
	data, err := prog.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// loadProgram accepts either a compiled binary or script source.
func loadProgram(engine *sieveengine.Engine, name string) (*sieve.Program, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	prog, err := engine.LoadProgram(data)
	switch {
	case err == nil:
		return prog, nil
	case errors.Is(err, sieve.ErrIncompatibleProgram):
		return nil, fmt.Errorf("%s: %w (recompile it)", name, err)
	}
	return engine.CompileFile(name, string(data))
}

func handleDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Printf("Usage:\n  sievec dump [-config file] script|program\n")
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return exitError(2)
	}

	engine, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	prog, err := loadProgram(engine, fs.Arg(0))
	if err != nil {
		return err
	}
	return engine.Dump(prog, os.Stdout)
}

func handleRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := configFlag(fs)
	from := fs.String("from", "", "Envelope sender")
	to := fs.String("to", "", "Envelope recipient")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	fs.Usage = func() {
		fmt.Printf("Usage:\n  sievec run [-config file] [-from addr] [-to addr] [-json] script|program message\n\nUse '-' to read the message from stdin.\n")
	}
	fs.Parse(args)
	if fs.NArg() != 2 {
		fs.Usage()
		return exitError(2)
	}

	engine, err := newEngine(*configPath)
	if err != nil {
		return err
	}
	prog, err := loadProgram(engine, fs.Arg(0))
	if err != nil {
		return err
	}

	var msg io.Reader = os.Stdin
	if fs.Arg(1) != "-" {
		f, err := os.Open(fs.Arg(1))
		if err != nil {
			return err
		}
		defer f.Close()
		msg = f
	}
	msgCtx, err := sieveengine.ContextFromMessage(msg, *from, *to)
	if err != nil {
		return err
	}

	exec := engine.ExecutorFor(prog, 0, sieveengine.NewMemoryVacationOracle())
	result, evalErr := exec.Evaluate(context.Background(), msgCtx)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(os.Stdout, result)
	}
	return evalErr
}

func printResult(w io.Writer, r sieveengine.Result) {
	fmt.Fprintf(w, "action: %s\n", r.Action)
	if r.KeepsMessage() {
		fmt.Fprintln(w, "keep: INBOX")
	}
	for _, m := range r.Mailboxes {
		fmt.Fprintf(w, "fileinto: %s\n", m)
	}
	for _, addr := range r.Redirects {
		fmt.Fprintf(w, "redirect: %s\n", addr)
	}
	if len(r.Flags) > 0 {
		fmt.Fprintf(w, "flags: %s\n", strings.Join(r.Flags, " "))
	}
	if r.HasVacation() {
		fmt.Fprintf(w, "vacation: to=%s subject=%q\n", r.VacationTo, r.VacationSubj)
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
