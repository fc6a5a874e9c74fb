package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jefgrailet/rtrack/internal/config"
	"github.com/jefgrailet/rtrack/internal/engine"
	"github.com/jefgrailet/rtrack/internal/probe"
)

var (
	// Flags
	probingProtocol  string
	label            string
	lanCIDR          string
	timeout          time.Duration
	regulatingPeriod time.Duration
	threadDelay      time.Duration
	maxAnonHops      int
	maxCycles        int
	threads          int
	bisTraces        int
	rlExperiments    int
	rlDelay          time.Duration
	rlMinRatio       float64
	verbosity        int
	externalLogging  bool
	outputDir        string
	noColor          bool
	showTable        bool

	// Config file
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rtrack",
	Short: "Topology-discovery route tracer",
	Long: `rtrack - a Paris-style topology-discovery probing tool

rtrack traces routes toward a set of targets using fixed-flow probes,
builds a shared IP dictionary from every interface it observes along the
way, analyzes the resulting routes for cycles and stretches, repairs
what anonymous hops it can infer or re-probe, fingerprints every
interface's initial TTL, and profiles interfaces suspected of being
rate-limited.

Run "rtrack trace" to start a measurement, "rtrack ip" to inspect a
prior run's IP dictionary, "rtrack config" to manage the config file.`,
	PersistentPreRunE: loadConfig,
}

var traceCmd = &cobra.Command{
	Use:   "trace [flags] <target[,target...]>",
	Short: "Trace routes toward a set of targets",
	Long: `Targets accept single addresses, comma-separated lists, and CIDR
blocks (the latter expanded to every address in the block).

Examples:
  rtrack trace 192.0.2.1                       Trace a single address
  rtrack trace 192.0.2.0/28,198.51.100.1       Trace a block plus one host
  rtrack trace -P udp --rl-experiments-per-round 0 192.0.2.1
                                                UDP probes, rate-limit profiling off
  rtrack trace --label weeklyrun 192.0.2.0/24  Custom output label`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.config/rtrack/config.yaml)")

	traceCmd.Flags().StringVarP(&probingProtocol, "probing-protocol", "P", "", "Probing protocol: icmp, udp, tcp (default icmp)")
	traceCmd.Flags().StringVarP(&label, "label", "l", "", "Output file label (default: timestamp)")
	traceCmd.Flags().StringVar(&lanCIDR, "lan", "", "Local network CIDR to exclude from the targets")

	traceCmd.Flags().DurationVar(&timeout, "timeout", 0, "Probe timeout")
	traceCmd.Flags().DurationVar(&regulatingPeriod, "regulating-period", 0, "Minimum delay between any two probes sent")
	traceCmd.Flags().DurationVar(&threadDelay, "thread-delay", 0, "Stagger between launching concurrent workers")

	traceCmd.Flags().IntVar(&maxAnonHops, "max-anon-hops", 0, "Consecutive anonymous hops before giving up on a trace")
	traceCmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "In-trace repeats before giving up on a trace")
	traceCmd.Flags().IntVarP(&threads, "threads", "t", 0, "Concurrency ceiling")
	traceCmd.Flags().IntVar(&bisTraces, "bis-traces", -1, "Re-traces per target beyond the first (0 disables)")

	traceCmd.Flags().IntVar(&rlExperiments, "rl-experiments-per-round", -1, "Experiments per rate-limit round (0 disables)")
	traceCmd.Flags().DurationVar(&rlDelay, "rl-delay-between-experiments", 0, "Delay between rate-limit experiments")
	traceCmd.Flags().Float64Var(&rlMinRatio, "rl-min-response-ratio", 0, "Minimum response ratio, percent")

	traceCmd.Flags().IntVarP(&verbosity, "verbosity", "v", -1, "0 laconic, 1 per-route, 2 debug")
	traceCmd.Flags().BoolVar(&externalLogging, "external-logging", false, "Write one Log_<label>_<phase> file per phase")
	traceCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Directory output files are written to")
	traceCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored console output")
	traceCmd.Flags().BoolVar(&showTable, "table", false, "Print a summary table of the IP dictionary when done")

	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads configuration from file (built-in defaults when no file
// exists; a default file is saved only when loading an existing one fails),
// then applies config-file defaults to every flag the user did not set
// explicitly.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			cfg = config.DefaultConfig()
			if saveErr := cfg.Save(); saveErr == nil {
				fmt.Fprintf(os.Stderr, "Created default config: %s\n", config.GetConfigPath())
			}
		}
	}

	applyConfigDefaults(cmd)
	return nil
}

// applyConfigDefaults fills in every flag the user left unset from the
// loaded config file's Defaults, cmd.Flags().Changed(name) being the
// signal that a flag was explicitly given on the command line.
func applyConfigDefaults(cmd *cobra.Command) {
	if cfg == nil {
		return
	}
	d := cfg.Defaults

	if !cmd.Flags().Changed("probing-protocol") {
		probingProtocol = d.ProbingMethod
	}
	if !cmd.Flags().Changed("timeout") {
		timeout = d.Timeout
	}
	if !cmd.Flags().Changed("regulating-period") {
		regulatingPeriod = d.RegulatingPeriod
	}
	if !cmd.Flags().Changed("thread-delay") {
		threadDelay = d.ThreadDelay
	}
	if !cmd.Flags().Changed("max-anon-hops") {
		maxAnonHops = d.MaxAnonHops
	}
	if !cmd.Flags().Changed("max-cycles") {
		maxCycles = d.MaxCycles
	}
	if !cmd.Flags().Changed("threads") {
		threads = d.MaxThreads
	}
	if !cmd.Flags().Changed("bis-traces") {
		bisTraces = d.BisTraces
	}
	if !cmd.Flags().Changed("rl-experiments-per-round") {
		rlExperiments = d.RLExperimentsPerRound
	}
	if !cmd.Flags().Changed("rl-delay-between-experiments") {
		rlDelay = d.RLDelayBetweenExperiments
	}
	if !cmd.Flags().Changed("rl-min-response-ratio") {
		rlMinRatio = d.RLMinResponseRatio
	}
	if !cmd.Flags().Changed("verbosity") {
		verbosity = d.Verbosity
	}
	if !cmd.Flags().Changed("external-logging") && d.ExternalLogging {
		externalLogging = true
	}
	if !cmd.Flags().Changed("output-dir") && d.OutputDir != "" {
		outputDir = d.OutputDir
	}
	if !cmd.Flags().Changed("no-color") && d.NoColor {
		noColor = true
	}
}

func runTrace(cmd *cobra.Command, args []string) error {
	targetListStr := args[0]
	if cfg != nil {
		targetListStr = cfg.ResolveTargets(targetListStr)
	}

	ecfg := engine.DefaultConfig()
	ecfg.Targets = targetListStr
	ecfg.Label = label
	if ecfg.Label == "" {
		ecfg.Label = time.Now().Format("02-01-2006 15:04:05")
	}

	lan, err := config.ParseLAN(lanCIDR)
	if err != nil {
		return fmt.Errorf("invalid --lan CIDR: %w", err)
	}
	ecfg.LAN = lan

	switch strings.ToLower(probingProtocol) {
	case "udp":
		ecfg.ProbingMethod = probe.MethodUDP
	case "tcp":
		ecfg.ProbingMethod = probe.MethodTCP
	default:
		ecfg.ProbingMethod = probe.MethodICMP
	}

	if timeout > 0 {
		ecfg.Timeout = timeout
	}
	if regulatingPeriod > 0 {
		ecfg.RegulatingPeriod = regulatingPeriod
	}
	if threadDelay > 0 {
		ecfg.ThreadDelay = threadDelay
	}
	if maxAnonHops > 0 {
		ecfg.MaxAnonHops = maxAnonHops
	}
	if maxCycles > 0 {
		ecfg.MaxCycles = maxCycles
	}
	if threads > 0 {
		ecfg.MaxThreads = threads
	}
	if bisTraces >= 0 {
		ecfg.BisTraces = bisTraces
	}
	if rlExperiments >= 0 {
		ecfg.RLExperimentsPerRound = rlExperiments
	}
	if rlDelay > 0 {
		ecfg.RLDelayBetweenExperiments = rlDelay
	}
	if rlMinRatio > 0 {
		ecfg.RLMinResponseRatio = rlMinRatio
	}
	if verbosity >= 0 {
		ecfg.Verbosity = verbosity
	}
	ecfg.ExternalLogging = externalLogging
	if outputDir != "" {
		ecfg.OutputDir = outputDir
	}

	if err := ecfg.Validate(); err != nil {
		return err
	}

	probeCfg := probe.Config{
		Timeout:          ecfg.Timeout,
		RegulatingPeriod: ecfg.RegulatingPeriod,
	}
	newProber := func() (probe.Prober, error) {
		return probe.NewProber(ecfg.ProbingMethod, probeCfg)
	}

	if noColor {
		color.NoColor = true
	}
	console := engine.NewConsole(os.Stdout)

	e := engine.New(ecfg, newProber, console)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := e.Run(ctx); err != nil {
		return err
	}

	console.Notice("Done — %d traces collected, %d repairs applied.", len(e.Traces()), len(e.Repairs()))

	if showTable {
		printIPTable(os.Stdout, e.Table())
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets version information for the CLI.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}
