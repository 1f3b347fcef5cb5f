package config

import "time"

type Config struct {
	StaticDir     string           `yaml:"static_dir"`
	HTTPAddr      string           `yaml:"http_addr"`
	ArchivePrefix string           `yaml:"archive_prefix"`
	Android       AndroidConfig    `yaml:"android"`
	Fetch         FetchConfig      `yaml:"fetch"`
	Background    BackgroundConfig `yaml:"background"`
	NATS          NATSConfig       `yaml:"nats"`
	Database      DatabaseConfig   `yaml:"database"`
}

type AndroidConfig struct {
	APIBase string `yaml:"api_base"`
	Token   string `yaml:"token"`
}

type FetchConfig struct {
	Retries        int           `yaml:"retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
}

type BackgroundConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}
