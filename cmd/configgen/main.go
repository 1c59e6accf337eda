package main

import (
	"flag"
	"log"

	"github.com/danmuck/svctree/internal/config"
)

const defaultPath = "svctree.toml"

func main() {
	kind := flag.String("kind", "app", "config kind: app|remote")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (name=%s backends=%v)", *input, cfg.Name, cfg.Platform.Backends)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
