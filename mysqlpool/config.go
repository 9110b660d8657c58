package mysqlpool

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/joeycumines/go-asyncrt/eventloop"
	"github.com/joeycumines/go-asyncrt/mysql"
)

// Config describes a pool's target database and sizing policy. Validate
// runs eagerly at New, failing construction rather than the first borrowed
// connection — the same rule mysql.Config.Validate enforces one layer down.
type Config struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,gt=0"`
	Username string `validate:"required"`
	Password string
	Database string `validate:"required"`
	SSLMode  string `validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	MinSize int `validate:"gte=0"`
	MaxSize int `validate:"gt=0"`

	// IdleTimeout evicts an idle connection once it has been unused for
	// longer than this, down to MinSize. Zero disables idle eviction.
	IdleTimeout time.Duration
	// MaxLifetime evicts a connection once it has existed this long,
	// regardless of idle/leased state transitions. Zero disables it.
	MaxLifetime time.Duration
	// ReapInterval controls how often the reaper runs; defaults to 30s.
	ReapInterval time.Duration
}

var validate = validator.New()

// Validate reports the first struct-tag violation, plus MinSize <= MaxSize.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &eventloop.InvalidConfig{Message: "invalid mysqlpool config", Cause: err}
	}
	if c.MinSize > c.MaxSize {
		return &eventloop.InvalidConfig{Message: "mysqlpool: min_size must be <= max_size"}
	}
	return nil
}

func (c Config) connConfig() mysql.Config {
	return mysql.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.Username,
		Password: c.Password,
		Database: c.Database,
	}
}

func (c Config) reapInterval() time.Duration {
	if c.ReapInterval > 0 {
		return c.ReapInterval
	}
	return 30 * time.Second
}
