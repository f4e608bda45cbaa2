package broker

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/lager"
)

const (
	DefaultPort     = "3000"
	DefaultHost     = "0.0.0.0"
	DefaultLogLevel = "debug"

	DefaultHelmBinary            = "helm"
	DefaultWorkers               = 4
	DefaultTaskTimeoutSeconds    = 30 * 60
	DefaultReaperIntervalSeconds = 60 * 60
	DefaultInstanceStaleHours    = 24
)

type Config struct {
	API  API
	Helm Helm
}

func NewConfig(source io.Reader) (Config, error) {
	config := Config{}
	bytes, err := io.ReadAll(source)
	if err != nil {
		return config, err
	}

	api := API{}
	if err = json.Unmarshal(bytes, &api); err != nil {
		return config, err
	}
	api.fillDefaults()
	if err = api.validate(); err != nil {
		return config, err
	}
	api.LagerLogLevel, err = api.ConvertLogLevel()
	if err != nil {
		return config, err
	}

	helm := Helm{}
	if err = json.Unmarshal(bytes, &helm); err != nil {
		return config, err
	}
	helm.fillDefaults()
	if err = helm.validate(); err != nil {
		return config, err
	}

	return Config{API: api, Helm: helm}, nil
}

type API struct {
	BasicAuthUsername string `json:"basic_auth_username"`
	BasicAuthPassword string `json:"basic_auth_password"`
	Port              string `json:"port"`
	Host              string `json:"host"`
	TLS               *TLS   `json:"tls"`

	LogLevel      string `json:"log_level"`
	LagerLogLevel lager.LogLevel
}

func (api *API) ConvertLogLevel() (lager.LogLevel, error) {
	logLevels := map[string]lager.LogLevel{
		"DEBUG": lager.DEBUG,
		"INFO":  lager.INFO,
		"ERROR": lager.ERROR,
		"FATAL": lager.FATAL,
	}
	logLevel, ok := logLevels[strings.ToUpper(api.LogLevel)]
	if !ok {
		return lager.DEBUG, fmt.Errorf("Config error: log level %s does not map to a Lager log level", api.LogLevel)
	}
	return logLevel, nil
}

func (api *API) validate() error {
	if api.BasicAuthUsername == "" {
		return fmt.Errorf("Config error: basic auth username required")
	}
	if api.BasicAuthPassword == "" {
		return fmt.Errorf("Config error: basic auth password required")
	}
	if api.TLS != nil {
		return api.TLS.validate()
	}
	return nil
}

func (api *API) fillDefaults() {
	if api.Port == "" {
		api.Port = DefaultPort
	}
	if api.Host == "" {
		api.Host = DefaultHost
	}
	if api.LogLevel == "" {
		api.LogLevel = DefaultLogLevel
	}
}

func (api *API) TLSEnabled() bool {
	return api.TLS != nil
}

type TLS struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

func (t *TLS) validate() error {
	if t.Certificate == "" {
		return fmt.Errorf("Config error: TLS certificate required")
	}
	if t.PrivateKey == "" {
		return fmt.Errorf("Config error: TLS private key required")
	}
	return nil
}

func (t *TLS) GenerateTLSConfig() (*tls.Config, error) {
	certificate, err := tls.X509KeyPair([]byte(t.Certificate), []byte(t.PrivateKey))
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Helm holds the broker's own settings. The root directory contains the
// addon catalog and the instance workspaces, matching the layout the worker
// processes share.
type Helm struct {
	RootDir               string `json:"root_dir"`
	Binary                string `json:"helm_binary"`
	Workers               int    `json:"workers"`
	TaskTimeoutSeconds    int    `json:"task_timeout_seconds"`
	ReaperIntervalSeconds int    `json:"reaper_interval_seconds"`
	InstanceStaleHours    int    `json:"instance_stale_hours"`
}

func (h *Helm) fillDefaults() {
	if h.Binary == "" {
		h.Binary = DefaultHelmBinary
	}
	if h.Workers == 0 {
		h.Workers = DefaultWorkers
	}
	if h.TaskTimeoutSeconds == 0 {
		h.TaskTimeoutSeconds = DefaultTaskTimeoutSeconds
	}
	if h.ReaperIntervalSeconds == 0 {
		h.ReaperIntervalSeconds = DefaultReaperIntervalSeconds
	}
	if h.InstanceStaleHours == 0 {
		h.InstanceStaleHours = DefaultInstanceStaleHours
	}
}

func (h *Helm) validate() error {
	if h.RootDir == "" {
		return fmt.Errorf("Config error: root_dir required")
	}
	return nil
}

func (h *Helm) AddonsPath() string {
	return filepath.Join(h.RootDir, "addons")
}

func (h *Helm) InstancesPath() string {
	return filepath.Join(h.RootDir, "instances")
}

func (h *Helm) TaskTimeout() time.Duration {
	return time.Duration(h.TaskTimeoutSeconds) * time.Second
}

func (h *Helm) ReaperInterval() time.Duration {
	return time.Duration(h.ReaperIntervalSeconds) * time.Second
}

func (h *Helm) InstanceStaleAfter() time.Duration {
	return time.Duration(h.InstanceStaleHours) * time.Hour
}
