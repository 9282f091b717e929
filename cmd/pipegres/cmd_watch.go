package main

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		db     string
		coll   string
		asJSON bool
	)

	c := &cobra.Command{
		Use:   "watch <pipeline file>",
		Short: "Recompile a pipeline file whenever it or the config changes",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			watchAndCompile(args[0], db, coll, asJSON)
		},
	}

	c.Flags().StringVar(&db, "db", "", "database to compile against")
	c.Flags().StringVar(&coll, "coll", "", "collection to compile against")
	c.Flags().BoolVar(&asJSON, "json", false, "print the full result as json")
	return c
}

func watchAndCompile(path, db, coll string, asJSON bool) {
	g := newEngine()

	recompile := func() {
		res, err := compileFile(g, db, coll, path)
		if err != nil {
			log.Errorf("%s", err)
			return
		}
		printResult(res, asJSON)
	}
	recompile()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Fatalf("%s", err)
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		log.Fatalf("%s", err)
	}
	if err := w.Add(cpath); err != nil {
		log.Warnf("config not watched: %s", err)
	}

	log.Infof("watching %s", path)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ev.Name == cpath {
				// reload the catalog before recompiling
				conf = nil
				setup()
				g = newEngine()
				log.Infof("config reloaded")
			}
			recompile()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Errorf("watch: %s", err)
		}
	}
}
