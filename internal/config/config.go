// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config defines the sink configuration schema.
type Config struct {
	Commit     CommitConfig     `yaml:"commit"`
	Queue      QueueConfig      `yaml:"queue"`
	Writer     WriterConfig     `yaml:"writer"`
	Iceberg    IcebergConfig    `yaml:"iceberg"`
	S3         S3Config         `yaml:"s3"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Offsets    OffsetConfig     `yaml:"offsets"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Validation ValidationConfig `yaml:"validation"`
}

// CommitConfig controls batching and commit failure handling.
type CommitConfig struct {
	MaxCommitIntervalSeconds int    `yaml:"max_commit_interval_seconds"`
	MaxRecordsPerCommit      int64  `yaml:"max_records_per_commit"`
	MaxCommitFailedTimes     int    `yaml:"max_commit_failed_times"`
	OverrideFieldName        string `yaml:"override_field_name"`
	PollTimeoutMs            int    `yaml:"poll_timeout_ms"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type WriterConfig struct {
	Type                string `yaml:"type"`
	Table               string `yaml:"table"`
	CreateTableIfAbsent bool   `yaml:"create_table_if_missing"`
	AllowTypeWidening   bool   `yaml:"allow_type_widening"`
	Prefix              string `yaml:"prefix"`
	Compression         string `yaml:"compression"`
}

type IcebergConfig struct {
	Catalog   CatalogConfig `yaml:"catalog"`
	Warehouse string        `yaml:"warehouse"`
}

type CatalogConfig struct {
	Type     string `yaml:"type"`
	URI      string `yaml:"uri"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	Group           string   `yaml:"group"`
	Partitions      []int32  `yaml:"partitions"`
	SchemaHeader    string   `yaml:"schema_header"`
	EncodingHeader  string   `yaml:"encoding_header"`
	DefaultEncoding string   `yaml:"default_encoding"`
	DefaultSchema   string   `yaml:"default_schema"`
}

type OffsetConfig struct {
	Backend   string `yaml:"backend"`
	KeyPrefix string `yaml:"key_prefix"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type ValidationConfig struct {
	Mode     string         `yaml:"mode"`
	Registry RegistryConfig `yaml:"registry"`
}

type RegistryConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	CacheSeconds   int    `yaml:"cache_seconds"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Commit.MaxCommitIntervalSeconds == 0 {
		c.Commit.MaxCommitIntervalSeconds = 120
	}
	if c.Commit.MaxRecordsPerCommit == 0 {
		c.Commit.MaxRecordsPerCommit = 10000
	}
	if c.Commit.MaxCommitFailedTimes == 0 {
		c.Commit.MaxCommitFailedTimes = 5
	}
	if c.Commit.OverrideFieldName == "" {
		c.Commit.OverrideFieldName = "value"
	}
	if c.Commit.PollTimeoutMs == 0 {
		c.Commit.PollTimeoutMs = 100
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 10000
	}
	c.Writer.Type = strings.ToLower(c.Writer.Type)
	if c.Writer.Compression == "" {
		c.Writer.Compression = "snappy"
	}
	if c.Kafka.SchemaHeader == "" {
		c.Kafka.SchemaHeader = "schema"
	}
	if c.Kafka.EncodingHeader == "" {
		c.Kafka.EncodingHeader = "encoding"
	}
	if c.Kafka.DefaultEncoding == "" {
		c.Kafka.DefaultEncoding = "avro"
	}
	if c.Offsets.Backend == "" {
		c.Offsets.Backend = "kafka"
	}
	if c.Offsets.KeyPrefix == "" {
		c.Offsets.KeyPrefix = "lakehouse-sink"
	}
	if c.Validation.Mode == "" {
		c.Validation.Mode = "off"
	}
}

// Validate reports the first invalid or missing setting.
func (c Config) Validate() error {
	if c.Commit.MaxCommitIntervalSeconds < 0 {
		return fmt.Errorf("commit.max_commit_interval_seconds must be positive")
	}
	if c.Commit.MaxRecordsPerCommit < 0 {
		return fmt.Errorf("commit.max_records_per_commit must be positive")
	}
	if c.Commit.MaxCommitFailedTimes < 0 {
		return fmt.Errorf("commit.max_commit_failed_times must not be negative")
	}
	if c.Commit.PollTimeoutMs < 0 {
		return fmt.Errorf("commit.poll_timeout_ms must be positive")
	}
	if c.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}

	switch c.Writer.Type {
	case "iceberg":
		if c.Writer.Table == "" {
			return fmt.Errorf("writer.table is required for writer.type=iceberg")
		}
		if c.Iceberg.Catalog.Type == "" {
			return fmt.Errorf("iceberg.catalog.type is required")
		}
		if c.Iceberg.Catalog.URI == "" {
			return fmt.Errorf("iceberg.catalog.uri is required")
		}
	case "parquet":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for writer.type=parquet")
		}
		if !isSupportedCompression(c.Writer.Compression) {
			return fmt.Errorf("writer.compression %q is not supported", c.Writer.Compression)
		}
	case "":
		return fmt.Errorf("writer.type is required")
	default:
		return fmt.Errorf("writer.type %q is not supported", c.Writer.Type)
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}
	switch strings.ToLower(c.Kafka.DefaultEncoding) {
	case "avro", "json", "primitive":
	default:
		return fmt.Errorf("kafka.default_encoding %q is not supported", c.Kafka.DefaultEncoding)
	}

	switch c.Offsets.Backend {
	case "kafka":
		if c.Kafka.Group == "" {
			return fmt.Errorf("kafka.group is required for offsets.backend=kafka")
		}
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd.endpoints is required for offsets.backend=etcd")
		}
		if len(c.Kafka.Partitions) == 0 {
			return fmt.Errorf("kafka.partitions is required for offsets.backend=etcd")
		}
	default:
		return fmt.Errorf("offsets.backend %q is not supported", c.Offsets.Backend)
	}

	switch c.Validation.Mode {
	case "off":
	case "lenient", "strict":
		if c.Validation.Registry.BaseURL == "" {
			return fmt.Errorf("validation.registry.base_url is required when validation.mode is enabled")
		}
	default:
		return fmt.Errorf("validation.mode %q is not supported", c.Validation.Mode)
	}
	return nil
}

func isSupportedCompression(value string) bool {
	switch strings.ToLower(value) {
	case "snappy", "zstd", "gzip", "none", "uncompressed":
		return true
	default:
		return false
	}
}
