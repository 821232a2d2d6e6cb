// Package environment provides utilities for loading .env files and parsing
// namespaced environment variables into configuration structs.
package environment

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file from the working directory. A missing file is not
// an error; local development usually has one and deployments usually don't.
func LoadEnv() error {
	return LoadPath("")
}

// LoadPath loads environment variables from the file at p, or from .env when
// p is empty.
func LoadPath(p string) error {
	var err error
	if p != "" {
		err = godotenv.Load(p)
	} else {
		err = godotenv.Load()
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Parse fills cfg from environment variables using `env` and `envDefault`
// struct tags. Every key is looked up under the namespace, so with namespace
// "TOOLING" the tag `env:"LOG_LEVEL"` reads TOOLING_LOG_LEVEL.
func Parse(namespace string, cfg any) error {
	opts := env.Options{}
	if namespace != "" {
		opts.Prefix = namespace + "_"
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
