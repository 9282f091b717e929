package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pipegres/pipegres/core"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

var (
	log     *zap.SugaredLogger
	rootFS  afero.Fs
	conf    *Config
	cpath   string
	logJSON bool
)

// Cmd is the entry point for the CLI
func Cmd() {
	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "pipegres",
		Short: BuildDetails(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = newLogger(logJSON).Sugar()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cpath,
		"config", "./config/pipegres.yml", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&logJSON,
		"log-json", false, "log in json format")

	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())

	log = newLogger(false).Sugar()
	rootFS = afero.NewOsFs()

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

// setup reads the config file once
func setup() {
	if conf != nil {
		return
	}
	var err error
	if conf, err = ReadInConfig(rootFS, cpath); err != nil {
		log.Fatalf("Failed to read config: %s", err)
	}
}

// newEngine builds a compiler instance from the loaded config
func newEngine() *core.PipeGres {
	setup()
	g, err := core.NewPipeGres(&conf.Core, conf.Catalog(),
		core.OptionSetLogger(log.Desugar()))
	if err != nil {
		log.Fatalf("Failed to initialize compiler: %s", err)
	}
	return g
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(BuildDetails())
		},
	}
}

// BuildDetails returns the build details
func BuildDetails() string {
	if version == "" {
		return `
PipeGres (unknown version)
For documentation, visit https://github.com/pipegres/pipegres

To build with version information please use the Makefile
`
	}

	return fmt.Sprintf(`
PipeGres %v
For documentation, visit https://github.com/pipegres/pipegres

Commit SHA-1          : %v
Commit timestamp      : %v
Go version            : %v
`, version, commit, date, runtime.Version())
}
