package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Server defines the roomcast server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr               string        `yaml:"addr"`
	Paths              []string      `yaml:"paths"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WhitelistedOrigins []string      `yaml:"whitelisted_origins"`

	// websocket/roomcast configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	SendQueueSize           int           `yaml:"send_queue_size"`
	CheckInterval           time.Duration `yaml:"check_interval"`
	AllowEmptySubprotocol   bool          `yaml:"allow_empty_subprotocol"`
	SlowProcessMsgThreshold time.Duration `yaml:"slow_process_msg_threshold"`

	// path of the hot-reloadable room credential and key file
	Rooms string `yaml:"rooms"`
}

// Config defines the configuration options of the server.
type Config struct {
	Server *Server `yaml:"server"`
}

func getDefaultConfig() *Config {
	return &Config{
		Server: &Server{
			Addr:                  ":" + strconv.Itoa(*portFlag),
			Paths:                 []string{"/ws"},
			AllowEmptySubprotocol: *allowEmptyProtoFlag,
			Rooms:                 *roomsFlag,
		},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()
	if r != nil {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}
