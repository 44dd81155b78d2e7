package config

import (
	"encoding/json"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type OperatorCfg struct {
	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`

	// Identity of this operator process within the deployment.
	AppName   string `json:"app_name" toml:"app_name" yaml:"app_name"`
	UnitName  string `json:"unit_name" toml:"unit_name" yaml:"unit_name"`
	ModelName string `json:"model_name" toml:"model_name" yaml:"model_name"`
	UnitHost  string `json:"unit_host" toml:"unit_host" yaml:"unit_host"`

	ListenPort string `json:"listen_port" toml:"listen_port" yaml:"listen_port"`

	IniPath      string `json:"ini_path" toml:"ini_path" yaml:"ini_path"`
	UserlistPath string `json:"userlist_path" toml:"userlist_path" yaml:"userlist_path"`
	PidFilePath  string `json:"pid_file_path" toml:"pid_file_path" yaml:"pid_file_path"`

	// PoolerDatabase is the pooler's own backing database; RootDatabase
	// is the backend cluster's maintenance database.
	PoolerDatabase string `json:"pooler_database" toml:"pooler_database" yaml:"pooler_database"`
	RootDatabase   string `json:"root_database" toml:"root_database" yaml:"root_database"`

	StoreType       string `json:"store_type" toml:"store_type" yaml:"store_type"`
	StoreAddr       string `json:"store_addr" toml:"store_addr" yaml:"store_addr"`
	StoreBackupPath string `json:"store_backup_path" toml:"store_backup_path" yaml:"store_backup_path"`
}

var cfgOperator OperatorCfg

func LoadOperatorCfg(cfgPath string) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfgOperator); err != nil {
		return err
	}
	applyDefaults(&cfgOperator)

	configBytes, err := json.MarshalIndent(cfgOperator, "", "  ")
	if err != nil {
		return err
	}

	log.Println("Running config:", string(configBytes))
	return nil
}

func applyDefaults(cfg *OperatorCfg) {
	if cfg.ListenPort == "" {
		cfg.ListenPort = "6432"
	}
	if cfg.IniPath == "" {
		cfg.IniPath = "/etc/pgbouncer/pgbouncer.ini"
	}
	if cfg.UserlistPath == "" {
		cfg.UserlistPath = "/etc/pgbouncer/userlist.txt"
	}
	if cfg.PidFilePath == "" {
		cfg.PidFilePath = "/var/run/pgbouncer/pgbouncer.pid"
	}
	if cfg.PoolerDatabase == "" {
		cfg.PoolerDatabase = "pgbouncer"
	}
	if cfg.RootDatabase == "" {
		cfg.RootDatabase = "postgres"
	}
	if cfg.StoreType == "" {
		cfg.StoreType = "mem"
	}
}

func OperatorConfig() *OperatorCfg {
	return &cfgOperator
}
