package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database variables
var (
	// Db is the GORM handle shared by every repository.
	Db *gorm.DB
	// Driver is "sqlite" or "postgres".
	Driver = "sqlite"
	// Path is the SQLite file path or the PostgreSQL DSN.
	Path = filepath.Join(os.Getenv("HOME"), ".tokenkeeper/tokens.db")
)

// sqliteParams enforces foreign keys (for ON DELETE CASCADE) and waits on busy writers.
const sqliteParams = "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"

// InitDB initializes the database and creates the tables if they don't exist.
// It returns an error if any step in the initialization process fails.
func InitDB() error {
	if err := createDBDirectory(); err != nil {
		return err
	}

	if err := openDatabase(); err != nil {
		return err
	}

	if err := migrateTables(); err != nil {
		return err
	}

	configureLogger()

	log.Info().Str("driver", Driver).Msg("Database initialized successfully")
	return nil
}

// GetDB returns the shared database handle.
func GetDB() *gorm.DB { return Db }

// createDBDirectory creates the directory holding the SQLite file when needed.
func createDBDirectory() error {
	if Driver != "sqlite" {
		return nil
	}
	dir := filepath.Dir(Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error().Err(err).Msg("Failed to create database directory")
			return err
		}
	}
	return nil
}

// openDatabase opens the connection for the configured driver.
func openDatabase() error {
	var dialector gorm.Dialector
	switch Driver {
	case "sqlite":
		dsn := Path
		if strings.Contains(dsn, "?") {
			dsn += "&" + sqliteParams
		} else {
			dsn += "?" + sqliteParams
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(Path)
	default:
		return fmt.Errorf("unsupported database driver %q", Driver)
	}

	var err error
	Db, err = gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		log.Error().Err(err).Str("driver", Driver).Msg("Failed to initialize database")
		return err
	}

	if Driver == "sqlite" {
		// SQLite allows a single writer; one connection avoids "database is locked" under load.
		sqlDB, err := Db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return nil
}

// migrateTables creates the users, social_accounts and oauth_tokens tables.
func migrateTables() error {
	if err := Migrate(Db); err != nil {
		log.Error().Err(err).Msg("Failed to auto-migrate database")
		return err
	}
	return nil
}

// Migrate runs AutoMigrate for every model on the given handle, parents first.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&User{}, &SocialAccount{}, &OAuthToken{})
}

// configureLogger keeps the GORM logger silent unless zerolog logging is enabled.
func configureLogger() {
	if zerolog.GlobalLevel() == zerolog.Disabled {
		Db.Logger = Db.Logger.LogMode(logger.Silent)
	} else {
		Db.Logger = Db.Logger.LogMode(logger.Warn)
	}
}

// CloseDB closes the database connection.
// It returns an error if the database connection fails to close.
func CloseDB() error {
	if Db == nil {
		return nil
	}
	sqlDB, err := Db.DB()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get raw database connection")
		return err
	}
	return sqlDB.Close()
}
