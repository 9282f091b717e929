package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pipegres/pipegres/core"
)

func compileCmd() *cobra.Command {
	var (
		db     string
		coll   string
		asJSON bool
	)

	c := &cobra.Command{
		Use:   "compile <pipeline file>",
		Short: "Compile an aggregation pipeline file to SQL",
		Long: `Compile reads an aggregation pipeline, written as an extended JSON
array of stages, and prints the SQL it compiles to against the
collections declared in the config file.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			g := newEngine()
			res, err := compileFile(g, db, coll, args[0])
			if err != nil {
				log.Fatalf("%s", err)
			}
			printResult(res, asJSON)
		},
	}

	c.Flags().StringVar(&db, "db", "", "database to compile against")
	c.Flags().StringVar(&coll, "coll", "", "collection to compile against")
	c.Flags().BoolVar(&asJSON, "json", false, "print the full result as json")
	return c
}

func compileFile(g *core.PipeGres, db, coll, path string) (*core.Result, error) {
	data, err := afero.ReadFile(rootFS, path)
	if err != nil {
		return nil, err
	}
	return g.CompileJSON(context.Background(), db, coll, data)
}

func printResult(res *core.Result, asJSON bool) {
	if !asJSON {
		fmt.Println(res.SQL)
		return
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println(string(out))
}
