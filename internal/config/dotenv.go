package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotenv reads a .env file.
func LoadDotenv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	vars, err := ParseDotenv(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vars, nil
}

// ParseDotenv parses KEY=VALUE lines with godotenv's quoting, comment and
// export rules. ${VAR} references resolve against earlier keys in the same
// file only.
func ParseDotenv(r io.Reader) (map[string]string, error) {
	vars, err := godotenv.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse env file: %w", err)
	}
	if _, ok := vars[""]; ok {
		return nil, errors.New("parse env file: empty variable name")
	}
	return vars, nil
}
