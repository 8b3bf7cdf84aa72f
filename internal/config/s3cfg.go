package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"
)

// ErrNoS3Config is returned when no .s3cfg file exists in the searched locations.
var ErrNoS3Config = errors.New(".s3cfg file not found")

// S3Config holds the credentials parsed from an s3cmd .s3cfg file.
type S3Config struct {
	AccessKey string
	SecretKey string
	HostBase  string
	UseHTTPS  bool
	Region    string
}

// LoadS3Config reads the [default] section of path. An empty path searches
// ./.s3cfg and ~/.s3cfg.
func LoadS3Config(path string) (*S3Config, error) {
	var candidates []string
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}
		candidates = []string{expanded}
	} else {
		candidates = []string{".s3cfg"}
		if home, err := homedir.Dir(); err == nil {
			candidates = append(candidates, filepath.Join(home, ".s3cfg"))
		}
	}

	var found string
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			found = p
			break
		}
	}
	if found == "" {
		return nil, ErrNoS3Config
	}

	f, err := ini.Load(found)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", found, err)
	}
	section := f.Section("default")
	cfg := &S3Config{
		AccessKey: section.Key("access_key").String(),
		SecretKey: section.Key("secret_key").String(),
		HostBase:  section.Key("host_base").String(),
		UseHTTPS:  section.Key("use_https").MustBool(true),
		Region:    section.Key("bucket_location").String(),
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("access_key and secret_key must be specified in %s", found)
	}
	return cfg, nil
}
