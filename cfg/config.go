package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// BackupStoreType defines where the backup is read from
type BackupStoreType string

const (
	BackupDir BackupStoreType = "dir" // Local file system
	BackupS3  BackupStoreType = "s3"  // S3-compatible storage
)

// TargetType defines the server the backup is restored onto
type TargetType string

const (
	TargetMySQL  TargetType = "mysql"
	TargetMemory TargetType = "memory" // In-process catalog, for dry runs
)

// CoordinationMode defines how hosts of one restore are kept in step
type CoordinationMode string

const (
	CoordinationLocal  CoordinationMode = "local"  // Single host, nothing shared
	CoordinationServer CoordinationMode = "server" // Host the coordination hub for other hosts
	CoordinationClient CoordinationMode = "client" // Join a hub served by another host
)

// ElementConfiguration is one entry of the restore request
type ElementConfiguration struct {
	Type            string   `toml:"type"` // "table", "temporary_table", "database" or "all"
	Database        string   `toml:"database"`
	Table           string   `toml:"table"`
	NewDatabase     string   `toml:"new_database"`
	NewTable        string   `toml:"new_table"`
	Partitions      []string `toml:"partitions"`
	ExceptTables    []string `toml:"except_tables"` // "db.table" or "table"
	ExceptDatabases []string `toml:"except_databases"`
}

// RestoreConfiguration controls what is restored and how
type RestoreConfiguration struct {
	ID       string                 `toml:"id"` // Shared by all hosts of one restore, generated when empty
	Elements []ElementConfiguration `toml:"elements"`

	CreateDatabase            string            `toml:"create_database"` // "create", "if-not-exists" or "must-exist"
	CreateTable               string            `toml:"create_table"`
	AllowDifferentDatabaseDef bool              `toml:"allow_different_database_def"`
	AllowDifferentTableDef    bool              `toml:"allow_different_table_def"`
	AllowNonEmptyTables       bool              `toml:"allow_non_empty_tables"`
	AllowMissingDependencies  bool              `toml:"allow_missing_dependencies"`
	StructureOnly             bool              `toml:"structure_only"`
	EngineSubstitution        map[string]string `toml:"engine_substitution"`
	InnerTablePatterns        []string          `toml:"inner_table_patterns"`
	CreateTableTimeoutMS      int               `toml:"create_table_timeout_ms"`
	Workers                   int               `toml:"workers"` // Tasks running at once
	CheckAccessOnly           bool              `toml:"check_access_only"`
	ParseCacheSize            int               `toml:"parse_cache_size"`
}

// ClusterConfiguration describes the hosts taking part in the restore
type ClusterConfiguration struct {
	Hosts              [][]string `toml:"hosts"` // Host ids by shard, then replica
	ShardNumInBackup   int        `toml:"shard_num_in_backup"`
	ReplicaNumInBackup int        `toml:"replica_num_in_backup"`
	ShardNum           int        `toml:"shard_num"`   // Restrict participants to one shard (0=all)
	ReplicaNum         int        `toml:"replica_num"` // Restrict participants to one replica (0=all)
}

// S3Configuration for S3-compatible storage backends
type S3Configuration struct {
	Endpoint     string `toml:"endpoint"`
	Region       string `toml:"region"`
	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret"`
	SessionToken string `toml:"session_token"`
	Bucket       string `toml:"bucket"`
	Path         string `toml:"path"`
	UseSSL       bool   `toml:"use_ssl"`
}

// BackupConfiguration locates the backup
type BackupConfiguration struct {
	Store BackupStoreType `toml:"store"`
	Dir   string          `toml:"dir"`
	S3    S3Configuration `toml:"s3"`
}

// TargetConfiguration describes the server restored onto
type TargetConfiguration struct {
	Type          TargetType `toml:"type"`
	DSN           string     `toml:"dsn"`
	MaxOpenConns  int        `toml:"max_open_conns"`
	Shared        bool       `toml:"shared"` // All hosts write to the same server
	LockTimeoutMS int        `toml:"lock_timeout_ms"`
	FreeSpacePath string     `toml:"free_space_path"` // Checked for room before inserting data
}

// CoordinationConfiguration controls how hosts are kept in step
type CoordinationConfiguration struct {
	Mode           CoordinationMode `toml:"mode"`
	Address        string           `toml:"address"` // Hub address used by clients
	BindAddress    string           `toml:"bind_address"`
	Port           int              `toml:"port"`
	Secret         string           `toml:"secret"` // Shared by all hosts, empty disables auth
	StageTimeoutMS int              `toml:"stage_timeout_ms"`
	Persist        bool             `toml:"persist"` // Keep hub state in pebble under data_dir
}

// GRPCClientConfiguration controls gRPC client behavior
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`    // Keepalive ping interval
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"` // Keepalive ping timeout
	MaxRetries              int `toml:"max_retries"`               // Max retry attempts
	RetryBackoffMS          int `toml:"retry_backoff_ms"`          // Retry backoff duration
	CompressionLevel        int `toml:"compression_level"`         // zstd level 0-4, 0 disables compression
}

// AccessConfiguration lists the privileges of the restoring user
type AccessConfiguration struct {
	User    string   `toml:"user"`
	Grants  []string `toml:"grants"`  // e.g. "SELECT, INSERT ON db.*"
	Revokes []string `toml:"revokes"` // Applied after grants
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the HTTP progress API
type AdminConfiguration struct {
	Enabled bool `toml:"enabled"`
	Linger  bool `toml:"linger"` // Keep serving after the restore finished
}

// SinkConfiguration describes one destination of restore events
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`             // "kafka" or "nats"
	Format          string   `toml:"format"`           // "json" or "msgpack"
	FilterTables    []string `toml:"filter_tables"`    // Glob patterns
	FilterDatabases []string `toml:"filter_databases"` // Glob patterns
	FilterKinds     []string `toml:"filter_kinds"`     // Event kinds, empty for all
	TopicPrefix     string   `toml:"topic_prefix"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`

	Brokers []string `toml:"brokers"` // Kafka
	NatsURL string   `toml:"nats_url"`
}

// PublisherConfiguration controls delivery of restore events
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// Configuration is the main configuration structure
type Configuration struct {
	HostID  string `toml:"host_id"`
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Restore      RestoreConfiguration      `toml:"restore"`
	Cluster      ClusterConfiguration      `toml:"cluster"`
	Backup       BackupConfiguration       `toml:"backup"`
	Target       TargetConfiguration       `toml:"target"`
	Coordination CoordinationConfiguration `toml:"coordination"`
	GRPCClient   GRPCClientConfiguration   `toml:"grpc_client"`
	Access       AccessConfiguration       `toml:"access"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
	Admin        AdminConfiguration        `toml:"admin"`
	Publisher    PublisherConfiguration    `toml:"publisher"`
}

// Command line flags
var (
	ConfigPathFlag      = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag         = flag.String("data-dir", "", "Data directory (overrides config)")
	HostIDFlag          = flag.String("host-id", "", "Host id (overrides config, empty=auto)")
	BackupDirFlag       = flag.String("backup-dir", "", "Backup directory (overrides config)")
	RestoreIDFlag       = flag.String("restore-id", "", "Restore id shared by all hosts (overrides config)")
	CoordinationFlag    = flag.String("coordination", "", "Coordination mode: local, server or client (overrides config)")
	CheckAccessOnlyFlag = flag.Bool("check-access-only", false, "Only check privileges, change nothing")
)

// Default configuration
var Config = &Configuration{
	HostID:  "", // Auto-generate
	NodeID:  0,  // Auto-generate
	DataDir: "./restore-data",

	Restore: RestoreConfiguration{
		CreateDatabase:       "create",
		CreateTable:          "create",
		InnerTablePatterns:   []string{".inner.*", ".inner_id.*"},
		CreateTableTimeoutMS: 300000, // 5 minutes
		Workers:              16,
		ParseCacheSize:       1024,
	},

	Backup: BackupConfiguration{
		Store: BackupDir,
		Dir:   "./backup",
	},

	Target: TargetConfiguration{
		Type:          TargetMySQL,
		DSN:           "root@tcp(127.0.0.1:3306)/",
		MaxOpenConns:  16,
		LockTimeoutMS: 10000,
	},

	Coordination: CoordinationConfiguration{
		Mode:           CoordinationLocal,
		BindAddress:    "0.0.0.0",
		Port:           8090,
		StageTimeoutMS: 0, // Wait forever
	},

	GRPCClient: GRPCClientConfiguration{
		KeepaliveTimeSeconds:    10,  // Send keepalive ping every 10s
		KeepaliveTimeoutSeconds: 3,   // Timeout keepalive after 3s
		MaxRetries:              3,   // Retry failed requests up to 3 times
		RetryBackoffMS:          100, // 100ms backoff between retries
		CompressionLevel:        1,   // Fastest
	},

	Access: AccessConfiguration{
		User:   "restore",
		Grants: []string{"ALL ON *.*"},
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *HostIDFlag != "" {
		Config.HostID = *HostIDFlag
	}
	if *BackupDirFlag != "" {
		Config.Backup.Store = BackupDir
		Config.Backup.Dir = *BackupDirFlag
	}
	if *RestoreIDFlag != "" {
		Config.Restore.ID = *RestoreIDFlag
	}
	if *CoordinationFlag != "" {
		Config.Coordination.Mode = CoordinationMode(*CoordinationFlag)
	}
	if *CheckAccessOnlyFlag {
		Config.Restore.CheckAccessOnly = true
	}

	if Config.HostID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to read hostname: %w", err)
		}
		Config.HostID = hostname
		log.Info().Str("host_id", Config.HostID).Msg("Using hostname as host id")
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("marmot-restore")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

var (
	validModes        = map[string]bool{"": true, "create": true, "if-not-exists": true, "must-exist": true}
	validElementTypes = map[string]bool{"table": true, "temporary_table": true, "database": true, "all": true}
	validSinkTypes    = map[string]bool{"kafka": true, "nats": true}
	validSinkFormats  = map[string]bool{"": true, "json": true, "msgpack": true}
)

// Validate checks configuration for errors
func Validate() error {
	if len(Config.Restore.Elements) == 0 {
		return fmt.Errorf("restore needs at least one element")
	}
	for i, e := range Config.Restore.Elements {
		if !validElementTypes[e.Type] {
			return fmt.Errorf("invalid type of restore element %d: %q", i, e.Type)
		}
	}

	if !validModes[Config.Restore.CreateDatabase] {
		return fmt.Errorf("invalid create_database mode: %s", Config.Restore.CreateDatabase)
	}
	if !validModes[Config.Restore.CreateTable] {
		return fmt.Errorf("invalid create_table mode: %s", Config.Restore.CreateTable)
	}

	for _, pattern := range Config.Restore.InnerTablePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid inner table pattern %q: %w", pattern, err)
		}
	}

	if Config.Restore.CreateTableTimeoutMS < 0 {
		return fmt.Errorf("create table timeout must be >= 0")
	}

	if Config.Restore.Workers < 1 {
		return fmt.Errorf("restore workers must be >= 1")
	}

	if Config.Cluster.ShardNumInBackup < 0 || Config.Cluster.ReplicaNumInBackup < 0 {
		return fmt.Errorf("shard and replica numbers in backup must be >= 0")
	}

	switch Config.Backup.Store {
	case BackupDir:
		if Config.Backup.Dir == "" {
			return fmt.Errorf("backup directory is required")
		}
	case BackupS3:
		if Config.Backup.S3.Bucket == "" {
			return fmt.Errorf("backup S3 bucket is required")
		}
	default:
		return fmt.Errorf("invalid backup store: %s", Config.Backup.Store)
	}

	switch Config.Target.Type {
	case TargetMySQL:
		if Config.Target.DSN == "" {
			return fmt.Errorf("target DSN is required")
		}
	case TargetMemory:
	default:
		return fmt.Errorf("invalid target type: %s", Config.Target.Type)
	}

	if Config.Target.LockTimeoutMS < 1 {
		return fmt.Errorf("table lock timeout must be >= 1ms")
	}

	switch Config.Coordination.Mode {
	case CoordinationLocal:
	case CoordinationServer:
		if Config.Coordination.Port < 1 || Config.Coordination.Port > 65535 {
			return fmt.Errorf("invalid coordination port: %d", Config.Coordination.Port)
		}
		if len(Config.Cluster.Hosts) == 0 {
			return fmt.Errorf("coordination server needs cluster hosts")
		}
	case CoordinationClient:
		if Config.Coordination.Address == "" {
			return fmt.Errorf("coordination client needs the hub address")
		}
	default:
		return fmt.Errorf("invalid coordination mode: %s", Config.Coordination.Mode)
	}

	if Config.Coordination.StageTimeoutMS < 0 {
		return fmt.Errorf("stage timeout must be >= 0")
	}

	// Validate gRPC client configuration
	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}

	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}

	if Config.GRPCClient.MaxRetries < 0 {
		return fmt.Errorf("gRPC max retries must be >= 0")
	}

	if Config.GRPCClient.RetryBackoffMS < 0 {
		return fmt.Errorf("gRPC retry backoff must be >= 0")
	}

	if Config.GRPCClient.CompressionLevel < 0 || Config.GRPCClient.CompressionLevel > 4 {
		return fmt.Errorf("gRPC compression level must be between 0 and 4")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	names := make(map[string]bool)
	for _, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		names[sink.Name] = true
		if !validSinkTypes[sink.Type] {
			return fmt.Errorf("invalid type of sink %s: %s", sink.Name, sink.Type)
		}
		if !validSinkFormats[sink.Format] {
			return fmt.Errorf("invalid format of sink %s: %s", sink.Name, sink.Format)
		}
		if sink.Type == "kafka" && len(sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink %s needs brokers", sink.Name)
		}
		if sink.Type == "nats" && sink.NatsURL == "" {
			return fmt.Errorf("nats sink %s needs a URL", sink.Name)
		}
	}

	return nil
}

// GetPublishLogPath returns the directory of the restore event log
func GetPublishLogPath() string {
	return path.Join(Config.DataDir, "events")
}

// GetCoordinationStatePath returns the directory of persisted hub state
func GetCoordinationStatePath() string {
	return path.Join(Config.DataDir, "coordination")
}

// SplitTableName splits "db.table" into its parts; a bare name has no database.
func SplitTableName(s string) (database, table string) {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
