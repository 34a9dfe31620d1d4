package core

import (
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadSecretsEnv reads KEY=VALUE pairs from path (usually secrets.env next to
// the config file) and from a .env in the working directory. Values from path
// win. Missing files are not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	out := map[string]string{}
	if local, err := godotenv.Read(".env"); err == nil {
		for k, v := range local {
			out[k] = v
		}
	}
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		return out, nil // not fatal if missing
	}
	for k, v := range vals {
		out[k] = v
	}
	return out, nil
}
