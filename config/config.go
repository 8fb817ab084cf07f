/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	CircuitStoreLocal = "local"
	CircuitStoreRedis = "redis"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Port        string `json:"port" envconfig:"ESB_SERVER_PORT"`
	Secure      bool   `json:"secure" envconfig:"ESB_SERVER_SECURE"`
	SecretKey   string `json:"secret_key" envconfig:"ESB_SERVER_SECRET_KEY"`
	ReadOnlyKey string `json:"read_only_key" envconfig:"ESB_SERVER_READ_ONLY_KEY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ESB_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ESB_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ESB_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type DataSourceConfig struct {
	Dns             string `json:"dns" envconfig:"ESB_DATA_SOURCE_DNS"`
	MaxOpenConns    int    `json:"max_open_conns" envconfig:"ESB_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" envconfig:"ESB_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" envconfig:"ESB_DATA_SOURCE_CONN_MAX_LIFETIME"` // seconds
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ESB_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ESB_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	MessageQueue   string `json:"message_queue" envconfig:"ESB_QUEUE_MESSAGE_QUEUE"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"ESB_QUEUE_NUMBER_OF_QUEUES"`
	Workers        int    `json:"workers" envconfig:"ESB_QUEUE_WORKERS"`
	QueueSize      int    `json:"queue_size" envconfig:"ESB_QUEUE_SIZE"`
}

// RepairConfig drives the crash-recovery sweeps. Durations are in seconds.
type RepairConfig struct {
	RepairInterval         int  `json:"repair_interval" envconfig:"ESB_REPAIR_INTERVAL"`
	MaxFailuresBeforeFatal int  `json:"max_failures_before_fatal" envconfig:"ESB_REPAIR_MAX_FAILURES_BEFORE_FATAL"`
	RepeatTime             int  `json:"repeat_time" envconfig:"ESB_REPAIR_REPEAT_TIME"`
	ClusterExclusive       bool `json:"cluster_exclusive" envconfig:"ESB_REPAIR_CLUSTER_EXCLUSIVE"`
}

type ConfirmationConfig struct {
	RetryInterval int               `json:"retry_interval" envconfig:"ESB_CONFIRMATION_RETRY_INTERVAL"`
	RepeatTime    int               `json:"repeat_time" envconfig:"ESB_CONFIRMATION_REPEAT_TIME"`
	Timeout       int               `json:"timeout" envconfig:"ESB_CONFIRMATION_TIMEOUT"`
	Endpoints     map[string]string `json:"endpoints"`
}

type PollerConfig struct {
	PartlyFailedInterval int `json:"partly_failed_interval" envconfig:"ESB_POLLER_PARTLY_FAILED_INTERVAL"`
	PostponedInterval    int `json:"postponed_interval" envconfig:"ESB_POLLER_POSTPONED_INTERVAL"`
	StuckInterval        int `json:"stuck_interval" envconfig:"ESB_POLLER_STUCK_INTERVAL"`
	RepeatTime           int `json:"repeat_time" envconfig:"ESB_POLLER_REPEAT_TIME"`
	BatchSize            int `json:"batch_size" envconfig:"ESB_POLLER_BATCH_SIZE"`
}

type ExternalCallConfig struct {
	SkipURIPattern string `json:"skip_uri_pattern" envconfig:"ESB_EXTERNAL_CALL_SKIP_URI_PATTERN"`
}

type CircuitConfig struct {
	Name                 string `json:"name"`
	Enabled              bool   `json:"enabled"`
	WindowMillis         int64  `json:"window_millis"`
	ThresholdPercentage  int    `json:"threshold_percentage"`
	SleepMillis          int64  `json:"sleep_millis"`
	MinimalCountInWindow int    `json:"minimal_count_in_window"`
}

// RouteConfig forwards messages of one service operation to a call site,
// e.g. extcall:entity:https://erp.example.com/customers.
type RouteConfig struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
	CallSite  string `json:"call_site"`
	Timeout   int    `json:"timeout"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"ESB_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName  string             `json:"project_name" envconfig:"ESB_PROJECT_NAME"`
	NodeID       string             `json:"node_id" envconfig:"ESB_NODE_ID"`
	CircuitStore string             `json:"circuit_store" envconfig:"ESB_CIRCUIT_STORE"`
	Telemetry    bool               `json:"enable_telemetry" envconfig:"ESB_ENABLE_TELEMETRY"`
	Server       ServerConfig       `json:"server"`
	DataSource   DataSourceConfig   `json:"data_source"`
	Redis        RedisConfig        `json:"redis"`
	Queue        QueueConfig        `json:"queue"`
	Repair       RepairConfig       `json:"repair"`
	Confirmation ConfirmationConfig `json:"confirmation"`
	Poller       PollerConfig       `json:"poller"`
	ExternalCall ExternalCallConfig `json:"external_call"`
	Circuits     []CircuitConfig    `json:"circuits"`
	Routes       []RouteConfig      `json:"routes"`
	Notification Notification       `json:"notification"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("esb", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called esb.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "ESB"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "esb-node"
		}
		cnf.NodeID = host
	}

	switch cnf.CircuitStore {
	case "":
		cnf.CircuitStore = CircuitStoreLocal
	case CircuitStoreLocal, CircuitStoreRedis:
	default:
		return fmt.Errorf("unknown circuit store %q", cnf.CircuitStore)
	}

	if cnf.Server.Secure && cnf.Server.SecretKey == "" {
		return errors.New("secret key is required when secure mode is on")
	}

	cnf.setDataSourceDefaults()
	cnf.setQueueDefaults()
	cnf.setRepairDefaults()
	cnf.setConfirmationDefaults()
	cnf.setPollerDefaults()
	cnf.setRateLimitDefaults()

	if cnf.ExternalCall.SkipURIPattern != "" {
		if _, err := regexp.Compile(cnf.ExternalCall.SkipURIPattern); err != nil {
			return fmt.Errorf("invalid external call skip pattern: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(cnf.Circuits))
	for i := range cnf.Circuits {
		c := &cnf.Circuits[i]
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return errors.New("circuit name is required")
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate circuit %s", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.ThresholdPercentage < 0 || c.ThresholdPercentage > 100 {
			return fmt.Errorf("circuit %s: threshold_percentage must be between 0 and 100", c.Name)
		}
		if c.WindowMillis <= 0 {
			c.WindowMillis = 10000
		}
		if c.SleepMillis <= 0 {
			c.SleepMillis = 5000
		}
	}

	return cnf.validateRoutes()
}

func (cnf *Configuration) validateRoutes() error {
	seen := make(map[string]struct{}, len(cnf.Routes))
	for i := range cnf.Routes {
		r := &cnf.Routes[i]
		if r.Service == "" || r.Operation == "" || r.CallSite == "" {
			return fmt.Errorf("route %d: service, operation and call_site are required", i)
		}
		key := r.Service + ":" + r.Operation
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate route %s", key)
		}
		seen[key] = struct{}{}
		if r.Timeout <= 0 {
			r.Timeout = 30
		}
	}
	return nil
}

func (cnf *Configuration) setDataSourceDefaults() {
	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = 25
	}
	if cnf.DataSource.MaxIdleConns <= 0 || cnf.DataSource.MaxIdleConns > cnf.DataSource.MaxOpenConns {
		cnf.DataSource.MaxIdleConns = cnf.DataSource.MaxOpenConns
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = 1800
	}
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.MessageQueue == "" {
		cnf.Queue.MessageQueue = "esb_messages"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 20
	}
	if cnf.Queue.Workers <= 0 {
		cnf.Queue.Workers = 10
	}
	if cnf.Queue.QueueSize <= 0 {
		cnf.Queue.QueueSize = 100
	}
}

func (cnf *Configuration) setRepairDefaults() {
	if cnf.Repair.RepairInterval <= 0 {
		cnf.Repair.RepairInterval = 300
	}
	if cnf.Repair.MaxFailuresBeforeFatal <= 0 {
		cnf.Repair.MaxFailuresBeforeFatal = 3
	}
	if cnf.Repair.RepeatTime <= 0 {
		cnf.Repair.RepeatTime = 60
	}
}

func (cnf *Configuration) setConfirmationDefaults() {
	if cnf.Confirmation.RetryInterval <= 0 {
		cnf.Confirmation.RetryInterval = 60
	}
	if cnf.Confirmation.RepeatTime <= 0 {
		cnf.Confirmation.RepeatTime = 30
	}
	if cnf.Confirmation.Timeout <= 0 {
		cnf.Confirmation.Timeout = 10
	}
}

func (cnf *Configuration) setPollerDefaults() {
	if cnf.Poller.PartlyFailedInterval <= 0 {
		cnf.Poller.PartlyFailedInterval = 60
	}
	if cnf.Poller.PostponedInterval <= 0 {
		cnf.Poller.PostponedInterval = 10
	}
	if cnf.Poller.StuckInterval <= 0 {
		cnf.Poller.StuckInterval = 300
	}
	if cnf.Poller.RepeatTime <= 0 {
		cnf.Poller.RepeatTime = 5
	}
	if cnf.Poller.BatchSize <= 0 {
		cnf.Poller.BatchSize = 50
	}
}

func (cnf *Configuration) setRateLimitDefaults() {
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}
}

// Seconds converts one of the second-based settings to a time.Duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
