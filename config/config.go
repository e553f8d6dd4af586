package config

import (
	"time"
)

type Config struct {
	Info     *Info     `yaml:"info"`
	Logger   *Logger   `yaml:"logger"`
	NBI      *NBI      `yaml:"nbi"`
	Intercom *Intercom `yaml:"intercom"`
	REST     *REST     `yaml:"rest"`
	Database *Database `yaml:"database"`
}

type Info struct {
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type Logger struct {
	Level           string `yaml:"level,omitempty"`
	ReportCaller    bool   `yaml:"reportCaller,omitempty"`
	File            string `yaml:"file,omitempty"`
	RotationCount   int    `yaml:"rotationCount,omitempty"`
	RotationMaxAge  int    `yaml:"rotationMaxAge,omitempty"`
	RotationMaxSize int    `yaml:"rotationMaxSize,omitempty"`
}

type NBI struct {
	Scheme       string        `yaml:"scheme"`
	BindingIPv4  string        `yaml:"bindingIPv4"`
	BindingIPv6  string        `yaml:"bindingIPv6"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          *TLS          `yaml:"tls,omitempty"`
}

type TLS struct {
	Cert string `yaml:"cert,omitempty"`
	Key  string `yaml:"key,omitempty"`
}

// Intercom holds the backend connection parameters
type Intercom struct {
	ServerAddress string `yaml:"serverAddress"`
	WampPort      int    `yaml:"wampPort"`
	RESTPort      int    `yaml:"restPort"`
	Realm         string `yaml:"realm"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	OperatorDirNo string `yaml:"operatorDirNo"`

	// Deployments commonly run on self-signed certificates
	InsecureSkipVerify *bool `yaml:"insecureSkipVerify,omitempty"`

	AuthRetryInterval      time.Duration `yaml:"authRetryInterval"`
	SessionTimeout         time.Duration `yaml:"sessionTimeout"`
	RenewalFraction        float64       `yaml:"renewalFraction"`
	InitialReconnectBudget int           `yaml:"initialReconnectBudget"`
	ReconnectBudget        int           `yaml:"reconnectBudget"`
	RPCTimeout             time.Duration `yaml:"rpcTimeout"`
	DeviceRefreshInterval  time.Duration `yaml:"deviceRefreshInterval"`
	GpioPollInterval       time.Duration `yaml:"gpioPollInterval"`
}

// SkipVerify reports the effective certificate validation setting
func (i *Intercom) SkipVerify() bool {
	return i.InsecureSkipVerify == nil || *i.InsecureSkipVerify
}

type REST struct {
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failureThreshold"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
}

type Database struct {
	Type string  `yaml:"type"`
	DSN  string  `yaml:"dsn"`
	Pool *DBPool `yaml:"pool,omitempty"`
}

type DBPool struct {
	MaxIdleConns    int           `yaml:"maxIdleConns,omitempty"`
	MaxOpenConns    int           `yaml:"maxOpenConns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime,omitempty"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime,omitempty"`
}
