package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bringyour/synchub/synchub"
)

// hub config file, e.g.
//
//	listen: ":8080"
//	udp: ":8081"
//	defaultDatabase: main
//	databases: [main]
//	monitorDatabase: monitor
//	events:
//	  enabled: true
//	  clientIdleTimeout: 15m
//	auth:
//	  anonymous: true
//	  tokens:
//	    alice: secret
//	  rules:
//	    - users: [alice]
//	      kinds: [read, query, upsert]
type HubConfig struct {
	Listen          string       `yaml:"listen"`
	Udp             string       `yaml:"udp"`
	DefaultDatabase string       `yaml:"defaultDatabase"`
	Databases       []string     `yaml:"databases"`
	MonitorDatabase string       `yaml:"monitorDatabase"`
	MaxTasks        int          `yaml:"maxTasks"`
	Events          EventsConfig `yaml:"events"`
	Auth            AuthConfig   `yaml:"auth"`
}

type EventsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ClientIdleTimeout time.Duration `yaml:"clientIdleTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

type AuthConfig struct {
	Anonymous bool              `yaml:"anonymous"`
	Tokens    map[string]string `yaml:"tokens"`
	// verifies HS256 tokens instead of the static tokens
	JwtSecret string               `yaml:"jwtSecret"`
	Rules     []*synchub.TaskRule `yaml:"rules"`
}

func DefaultHubConfig() *HubConfig {
	sequencerSettings := synchub.DefaultEventSequencerSettings()
	return &HubConfig{
		Listen:          ":8080",
		DefaultDatabase: "main",
		Databases:       []string{"main"},
		MonitorDatabase: "monitor",
		MaxTasks:        synchub.DefaultHubSettings().MaxTasks,
		Events: EventsConfig{
			Enabled:           true,
			ClientIdleTimeout: sequencerSettings.ClientIdleTimeout,
			SweepInterval:     sequencerSettings.SweepInterval,
		},
		Auth: AuthConfig{
			Anonymous: true,
		},
	}
}

// missing fields keep their defaults
func LoadHubConfig(path string) (*HubConfig, error) {
	config := DefaultHubConfig()
	if path == "" {
		return config, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

func (self *HubConfig) authenticator() synchub.Authenticator {
	if self.Auth.JwtSecret != "" {
		return synchub.NewJwtAuthenticator([]byte(self.Auth.JwtSecret))
	}
	return synchub.NewUserAuthenticator(self.Auth.Tokens, self.Auth.Anonymous)
}

func (self *HubConfig) authorizer() synchub.Authorizer {
	if len(self.Auth.Rules) == 0 {
		return synchub.AuthorizeAll()
	}
	return synchub.NewTaskAuthorizer(self.Auth.Rules...)
}
