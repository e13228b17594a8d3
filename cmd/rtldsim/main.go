package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/pkujhd/rtld/config"
	"github.com/pkujhd/rtld/sim"
)

var cfg struct {
	verbose bool
	run     struct {
		config  string
		lazy    bool
		trace   bool
		metrics bool
	}
	template struct {
		output string
	}
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Relocates a described load graph in a simulated IA-64 address space.").UsageWriter(os.Stdout)
	app.Version(version.Print("rtldsim"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)

	runCmd := app.Command("run", "Load and relocate a graph, then print what the loader produced.")
	runCmd.Flag("config", "Load graph description (TOML).").Short('c').Required().ExistingFileVar(&cfg.run.config)
	runCmd.Flag("lazy", "Leave jump slots to be bound on first call.").Default("false").BoolVar(&cfg.run.lazy)
	runCmd.Flag("trace", "Print every relocation as it is applied.").Default("false").BoolVar(&cfg.run.trace)
	runCmd.Flag("metrics", "Dump loader metrics after the run.").Default("false").BoolVar(&cfg.run.metrics)

	templateCmd := app.Command("template", "Write an example load graph.")
	templateCmd.Flag("output", "File to write, stdout when empty.").Short('o').StringVar(&cfg.template.output)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if cfg.verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	switch parsedCmd {
	case runCmd.FullCommand():
		os.Exit(checkError(run(os.Stdout)))
	case templateCmd.FullCommand():
		os.Exit(checkError(writeTemplate(os.Stdout)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(consoleOutput, color.RedString("error:"), err)
	return 1
}

func run(out io.Writer) error {
	graph, err := config.Load(cfg.run.config)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	opts := sim.Options{Logger: logger, Registerer: reg}
	if cfg.run.trace {
		opts.RelocationDebugWriter = out
	}
	p, err := sim.New(graph, opts)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Relocate(cfg.run.lazy); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "relocated", "objects", len(p.Objects)+1, "lazy", cfg.run.lazy)

	if cfg.run.lazy {
		// first call through every stub
		for _, obj := range p.Objects {
			slots, err := p.JumpSlots(obj)
			if err != nil {
				return err
			}
			for i := range slots {
				if _, err := p.CallPLT(obj, i); err != nil {
					return err
				}
			}
		}
	}

	if err := p.Report(out); err != nil {
		return err
	}
	if cfg.run.metrics {
		if err := dumpMetrics(out, reg); err != nil {
			return err
		}
	}
	return p.Finalize()
}

func dumpMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(out, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func writeTemplate(stdout io.Writer) error {
	if cfg.template.output == "" {
		_, err := io.WriteString(stdout, config.Template)
		return err
	}
	return os.WriteFile(cfg.template.output, []byte(config.Template), 0o644)
}
