package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"regexp"
	"strconv"

	"github.com/openpgpdir/keydir/internal/pkg/defaultdb"
	"github.com/openpgpdir/keydir/internal/pkg/mailer"
	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/openpgpdir/keydir/pkg/keyserver"
	"gopkg.in/yaml.v3"
)

const (
	Dir  = "/usr/local/etc/keydir"
	File = "server.yaml"
)

const (
	bindAddrEnv           = "KEYDIR_BIND_ADDRESS"
	publicURLEnv          = "KEYDIR_PUBLIC_URL"
	publicKeyEnv          = "KEYDIR_PUBLIC_KEY_CERT"
	privateKeyEnv         = "KEYDIR_PRIVATE_KEY_CERT"
	purgeDaysEnv          = "KEYDIR_PURGE_DAYS"
	restrictUserOriginEnv = "KEYDIR_RESTRICT_USER_ORIGIN"
	restrictionRegexEnv   = "KEYDIR_RESTRICTION_REGEX"
)

type Certificate struct {
	PublicKeyPath  string `yaml:"public-key"`
	PrivateKeyPath string `yaml:"private-key"`
}

// PublicKeyConfig carries the key directory policy settings.
type PublicKeyConfig struct {
	PurgeDays          int    `yaml:"purge-days"`
	RestrictUserOrigin bool   `yaml:"restrict-user-origin"`
	RestrictionRegex   string `yaml:"restriction-regex"`
}

type ServerConfig struct {
	BindAddr  string `yaml:"bind-address"`
	PublicURL string `yaml:"public-url"`

	Certificate Certificate `yaml:"certificate"`

	MailerConfig mailer.Config `yaml:"mail"`

	PublicKey PublicKeyConfig `yaml:"public-key"`

	DBEngine string                 `yaml:"db"`
	DBConfig map[string]interface{} `yaml:"db-config"`
}

var DefaultServerConfig ServerConfig = ServerConfig{
	BindAddr:     keyserver.DefaultAddr,
	PublicURL:    "http://localhost" + keyserver.DefaultAddr,
	MailerConfig: mailer.DefaultConfig,
	DBEngine:     defaultdb.Name,
	PublicKey: PublicKeyConfig{
		PurgeDays: 30,
	},
}

func Parse(path string) (ServerConfig, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return ServerConfig{}, err
	} else if os.IsNotExist(err) {
		return DefaultServerConfig, nil
	}

	srvConfig := DefaultServerConfig
	if err := yaml.Unmarshal(b, &srvConfig); err != nil {
		return ServerConfig{}, err
	}

	if srvConfig.DBEngine == "" {
		srvConfig.DBEngine = defaultdb.Name
	}

	// parse the database configuration
	db, ok := database.GetEngine(srvConfig.DBEngine)
	if !ok {
		return ServerConfig{}, fmt.Errorf("unknown database engine '%s'", srvConfig.DBEngine)
	}

	b, err = yaml.Marshal(srvConfig.DBConfig)
	if err != nil {
		return ServerConfig{}, err
	}
	if err := yaml.Unmarshal(b, db.NewConfig()); err != nil {
		return ServerConfig{}, err
	}

	return srvConfig, nil
}

func CheckServerConfig(cfg *ServerConfig) error {
	// get environment to take precedence over configuration file
	env := os.Getenv(bindAddrEnv)
	if env != "" {
		cfg.BindAddr = env
	}
	env = os.Getenv(publicURLEnv)
	if env != "" {
		cfg.PublicURL = env
	}
	env = os.Getenv(publicKeyEnv)
	if env != "" {
		cfg.Certificate.PublicKeyPath = env
	}
	env = os.Getenv(privateKeyEnv)
	if env != "" {
		cfg.Certificate.PrivateKeyPath = env
	}
	env = os.Getenv(purgeDaysEnv)
	if env != "" {
		d, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", purgeDaysEnv, err)
		}
		cfg.PublicKey.PurgeDays = d
	}
	env = os.Getenv(restrictUserOriginEnv)
	if env != "" {
		b, err := strconv.ParseBool(env)
		if err != nil {
			return fmt.Errorf("while parsing %s: %s", restrictUserOriginEnv, err)
		}
		cfg.PublicKey.RestrictUserOrigin = b
	}
	env = os.Getenv(restrictionRegexEnv)
	if env != "" {
		cfg.PublicKey.RestrictionRegex = env
	}

	if cfg.PublicURL == "" {
		return fmt.Errorf("configuration public-url is missing or empty")
	}
	if cfg.PublicKey.PurgeDays <= 0 {
		return fmt.Errorf("configuration public-key purge-days must be positive")
	}
	if cfg.PublicKey.RestrictUserOrigin {
		if cfg.PublicKey.RestrictionRegex == "" {
			return fmt.Errorf("restrict-user-origin requires a restriction-regex")
		}
		if _, err := regexp.Compile(cfg.PublicKey.RestrictionRegex); err != nil {
			return fmt.Errorf("while compiling restriction-regex: %s", err)
		}
	}
	if err := mailer.CheckConfig(&cfg.MailerConfig); err != nil {
		return err
	}
	db, _ := database.GetEngine(cfg.DBEngine)
	if err := db.CheckConfig(); err != nil {
		return err
	}

	return nil
}
